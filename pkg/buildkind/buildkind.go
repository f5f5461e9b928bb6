// Package buildkind implements the error taxonomy used across the build
// engine (spec.md §7): a small set of sentinel-wrapped error types so that
// any call site can recover the abstract kind of a failure with errors.As,
// regardless of which component produced it.
package buildkind

import (
	"fmt"
	"strings"
)

// InvalidInput is returned for malformed digests, invalid image references,
// bad permission strings, or an empty target-platform set.
type InvalidInput struct {
	Reason string
	Err    error
}

func (e *InvalidInput) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

func (e *InvalidInput) Unwrap() error { return e.Err }

// AuthRequired is a 401 encountered with no credentials attached.
type AuthRequired struct {
	Registry string
}

func (e *AuthRequired) Error() string {
	return fmt.Sprintf("authentication required for %s", e.Registry)
}

// AuthFailed is a 401 encountered after credentials were already attached
// and, where applicable, after one reauthentication attempt.
type AuthFailed struct {
	Registry string
	Err      error
}

func (e *AuthFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %s: %v", e.Registry, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s", e.Registry)
}

func (e *AuthFailed) Unwrap() error { return e.Err }

// AuthForbidden is a 403 response.
type AuthForbidden struct {
	Registry string
}

func (e *AuthForbidden) Error() string {
	return fmt.Sprintf("access forbidden for %s", e.Registry)
}

// CredentialsNotSent distinguishes a 401 that followed the transport
// stripping Authorization on HTTP downgrade from a genuine credential
// rejection.
type CredentialsNotSent struct {
	Registry string
}

func (e *CredentialsNotSent) Error() string {
	return fmt.Sprintf("credentials were not sent to %s over cleartext HTTP", e.Registry)
}

// RegistryError carries a parsed OCI Distribution error envelope.
type RegistryError struct {
	StatusCode int
	Code       string
	Reasons    []RegistryErrorDetail
}

// RegistryErrorDetail is one entry of a Distribution error envelope's
// "errors" array.
type RegistryErrorDetail struct {
	Code    string
	Message string
	Detail  string
}

func (e *RegistryError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("registry error (status %d): %s", e.StatusCode, e.Code)
	}
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Code, r.Message))
	}
	return fmt.Sprintf("registry error (status %d): %s", e.StatusCode, strings.Join(parts, "; "))
}

// ManifestFormatUnknown is returned when schemaVersion is missing or not one
// of the supported manifest variants.
type ManifestFormatUnknown struct {
	SchemaVersion int
	MediaType     string
}

func (e *ManifestFormatUnknown) Error() string {
	return fmt.Sprintf("unknown manifest format: schemaVersion=%d mediaType=%q", e.SchemaVersion, e.MediaType)
}

// LayerCountMismatch is returned when a container config's diff-id count
// does not match the manifest's layer count.
type LayerCountMismatch struct {
	DiffIDCount int
	LayerCount  int
}

func (e *LayerCountMismatch) Error() string {
	return fmt.Sprintf("layer count mismatch: %d diff-ids vs %d manifest layers", e.DiffIDCount, e.LayerCount)
}

// LayerPropertyMissing is returned when a Layer variant is asked for a
// property it does not carry (spec.md §3 "Layer").
type LayerPropertyMissing struct {
	Property string
	State    string
}

func (e *LayerPropertyMissing) Error() string {
	return fmt.Sprintf("layer property %q is unavailable in state %s", e.Property, e.State)
}

// CacheCorrupted is returned when a committed cache entry fails digest
// verification on read.
type CacheCorrupted struct {
	Digest string
	Err    error
}

func (e *CacheCorrupted) Error() string {
	return fmt.Sprintf("cache entry %s is corrupted: %v", e.Digest, e.Err)
}

func (e *CacheCorrupted) Unwrap() error { return e.Err }

// InsecureConnection is returned when the caller forbade fallback (strict
// mode) and the HTTPS attempt failed.
type InsecureConnection struct {
	HostPort string
	Err      error
}

func (e *InsecureConnection) Error() string {
	return fmt.Sprintf("secure connection to %s failed and insecure fallback is disabled: %v", e.HostPort, e.Err)
}

func (e *InsecureConnection) Unwrap() error { return e.Err }

// Transport is an unrecoverable I/O error surfaced after the transport's
// retry budget was exhausted.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// Cancelled is returned when cooperative cancellation was observed.
type Cancelled struct {
	Step string
}

func (e *Cancelled) Error() string {
	if e.Step == "" {
		return "build cancelled"
	}
	return fmt.Sprintf("build cancelled during step %q", e.Step)
}

// StepFailed wraps any error escaping a step-graph step with the step's
// name, the shape the orchestrator uses to report a single failing cause
// for the whole build (spec.md §7 "wraps them with the failing step's
// name").
type StepFailed struct {
	Step string
	Err  error
}

func (e *StepFailed) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepFailed) Unwrap() error { return e.Err }
