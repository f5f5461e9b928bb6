package events

import "sync"

// bufferSize bounds how far emission may run ahead of a slow dispatch
// goroutine before Emit itself starts blocking the caller.
const bufferSize = 256

// Bus is the process-owned handler registry (spec.md §4.J). Each event
// type is drained by its own single-threaded dispatch goroutine, so
// relative order is preserved within a type and a handler that blocks
// only stalls dispatch for its own event type, never the others
// (SPEC_FULL.md §5 "single consumer goroutine draining a buffered channel
// per event type").
type Bus struct {
	logCh      chan LogEvent
	progressCh chan ProgressEvent
	timerCh    chan TimerEvent

	mu               sync.Mutex
	logHandlers      []func(LogEvent)
	progressHandlers []func(ProgressEvent)
	timerHandlers    []func(TimerEvent)

	wg sync.WaitGroup
}

// New returns a Bus with its three dispatch goroutines already running.
// Subscribers may be registered at any time; a handler registered after
// New returns only observes events dispatched after it subscribes.
func New() *Bus {
	b := &Bus{
		logCh:      make(chan LogEvent, bufferSize),
		progressCh: make(chan ProgressEvent, bufferSize),
		timerCh:    make(chan TimerEvent, bufferSize),
	}
	b.wg.Add(3)
	go b.dispatchLog()
	go b.dispatchProgress()
	go b.dispatchTimer()
	return b
}

// OnLog registers a handler invoked for every LogEvent, in emission order.
func (b *Bus) OnLog(h func(LogEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logHandlers = append(b.logHandlers, h)
}

// OnProgress registers a handler invoked for every ProgressEvent.
func (b *Bus) OnProgress(h func(ProgressEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progressHandlers = append(b.progressHandlers, h)
}

// OnTimer registers a handler invoked for every TimerEvent.
func (b *Bus) OnTimer(h func(TimerEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerHandlers = append(b.timerHandlers, h)
}

// EmitLog enqueues a LogEvent for dispatch.
func (b *Bus) EmitLog(e LogEvent) { b.logCh <- e }

// EmitProgress enqueues a ProgressEvent for dispatch.
func (b *Bus) EmitProgress(e ProgressEvent) { b.progressCh <- e }

// EmitTimer enqueues a TimerEvent for dispatch.
func (b *Bus) EmitTimer(e TimerEvent) { b.timerCh <- e }

// Close stops accepting new events and waits for all three dispatch
// goroutines to drain what is already queued. Emitting after Close panics,
// the same contract a closed channel gives its senders.
func (b *Bus) Close() {
	close(b.logCh)
	close(b.progressCh)
	close(b.timerCh)
	b.wg.Wait()
}

func (b *Bus) dispatchLog() {
	defer b.wg.Done()
	for e := range b.logCh {
		b.mu.Lock()
		handlers := b.logHandlers
		b.mu.Unlock()
		for _, h := range handlers {
			h(e)
		}
	}
}

func (b *Bus) dispatchProgress() {
	defer b.wg.Done()
	for e := range b.progressCh {
		b.mu.Lock()
		handlers := b.progressHandlers
		b.mu.Unlock()
		for _, h := range handlers {
			h(e)
		}
	}
}

func (b *Bus) dispatchTimer() {
	defer b.wg.Done()
	for e := range b.timerCh {
		b.mu.Lock()
		handlers := b.timerHandlers
		b.mu.Unlock()
		for _, h := range handlers {
			h(e)
		}
	}
}
