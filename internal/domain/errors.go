package domain

import "fmt"

// Error types for consistent error handling across the delivery core.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrCircuitOpen indicates the provider's circuit breaker is open.
type ErrCircuitOpen struct {
	ProviderID string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for provider: %s", e.ProviderID)
}

// ErrNoProviders indicates no usable providers exist for a channel.
// Configuration-class: fatal for the operation, reported synchronously.
type ErrNoProviders struct {
	Channel ChannelType
	Detail  string
}

func (e *ErrNoProviders) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("no usable providers for channel %s: %s", e.Channel, e.Detail)
	}
	return fmt.Sprintf("no usable providers for channel %s", e.Channel)
}

// ErrNoSLA indicates a provider has no SLA configuration.
type ErrNoSLA struct {
	ProviderID string
}

func (e *ErrNoSLA) Error() string {
	return fmt.Sprintf("no SLA configured for provider: %s", e.ProviderID)
}

// ErrAllProvidersFailed indicates every candidate provider failed for one
// request. Never silently swallowed.
type ErrAllProvidersFailed struct {
	Channel   ChannelType
	Attempted []string
}

func (e *ErrAllProvidersFailed) Error() string {
	return fmt.Sprintf("all providers failed for channel %s (attempted %d)", e.Channel, len(e.Attempted))
}

// ErrTransient indicates a retryable delivery failure (timeout, connection
// error, rate limit, 5xx-equivalent). Eligible for fallback retry and
// circuit-breaker accounting.
type ErrTransient struct {
	ProviderID string
	Kind       string
	Err        error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("transient failure [%s] on provider %s: %v", e.Kind, e.ProviderID, e.Err)
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// ErrPermanent indicates a non-retryable failure (invalid recipient,
// unsupported provider). Surfaced immediately, no further fallback on the
// same request.
type ErrPermanent struct {
	Reason string
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("permanent failure: %s", e.Reason)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrExperimentRunning indicates an experiment is already in flight.
type ErrExperimentRunning struct {
	ExperimentID string
}

func (e *ErrExperimentRunning) Error() string {
	return fmt.Sprintf("experiment already running: %s", e.ExperimentID)
}
