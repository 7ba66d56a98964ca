package providers

import (
	"fmt"
	"time"
)

// MissingCredentialsError is returned before any state mutation when a driver
// cannot resolve a required credential or profile.
type MissingCredentialsError struct {
	Provider string
	Variable string
	Hint     string
}

func (e *MissingCredentialsError) Error() string {
	msg := fmt.Sprintf("%s: missing credential %s", e.Provider, e.Variable)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// NamespaceNotFoundError is returned when a driver that must not create new
// namespaces is pointed at one that was never initialised.
type NamespaceNotFoundError struct {
	Network   string
	Namespace string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("namespace %q not found on network %q; create it with a cloud provider first", e.Namespace, e.Network)
}

// ProviderAPIError wraps a failed call against a provider API.
type ProviderAPIError struct {
	Provider string
	Op       string
	Resource string
	Err      error
}

func (e *ProviderAPIError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderAPIError) Unwrap() error { return e.Err }

// APIError is shorthand for building a ProviderAPIError.
func APIError(provider, op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderAPIError{Provider: provider, Op: op, Resource: resource, Err: err}
}

// PollTimeoutError is returned by bounded waits.
type PollTimeoutError struct {
	What    string
	Elapsed time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.What, e.Elapsed.Round(time.Second))
}
