package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/containerbuild/engine/pkg/cache"
	"github.com/containerbuild/engine/pkg/credential"
	"github.com/containerbuild/engine/pkg/events"
	"github.com/containerbuild/engine/pkg/orchestrator"
	"github.com/containerbuild/engine/pkg/transport"
)

// buildRequest wires a manifest into an orchestrator.Request: opens the
// layer cache, resolves the credential helper, and bridges the event bus
// into logrus the way every other package in this module logs.
func buildRequest(m *buildManifest) (*orchestrator.Request, func(), error) {
	if m.CacheRoot == "" {
		return nil, nil, fmt.Errorf("cacheRoot is required")
	}
	c, err := cache.Open(m.CacheRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("opening layer cache: %w", err)
	}

	appLayers, err := m.toAppLayers()
	if err != nil {
		c.Close()
		return nil, nil, err
	}

	bus := events.New()
	bus.OnLog(func(e events.LogEvent) {
		logrus.StandardLogger().Log(logrusLevel(e.Level), e.Message)
	})
	bus.OnProgress(func(e events.ProgressEvent) {
		logrus.WithFields(logrus.Fields{"allocation": e.Allocation, "units": e.Units, "total": e.Total}).Debug("progress")
	})

	req := &orchestrator.Request{
		Transport:        transport.New(transport.Options{}),
		CredentialHelper: credentialHelper(m.CredentialHelper),
		Cache:            c,
		Bus:              bus,
		WorkerPoolSize:   m.WorkerPoolSize,
		Base:             m.toBaseImage(),
		AppLayers:        appLayers,
		Config:           m.toOrchestratorConfig(),
	}

	cleanup := func() {
		bus.Close()
		c.Close()
	}
	return req, cleanup, nil
}

func credentialHelper(binary string) credential.Helper {
	if binary == "" {
		return credential.NopHelper()
	}
	return credential.External(binary)
}

func logrusLevel(l events.Level) logrus.Level {
	switch l {
	case events.LevelDebug:
		return logrus.DebugLevel
	case events.LevelWarn:
		return logrus.WarnLevel
	case events.LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
