package error

import "net/http"

// GenericError is the contract the recovery middleware uses to map errors to
// HTTP responses.
type GenericError interface {
	error
	ErrCode() string
	StatusCode() int
}

// NotFoundError maps a missing resource to a 404.
type NotFoundError string

func (err NotFoundError) Error() string   { return string(err) }
func (err NotFoundError) ErrCode() string { return "NOT_FOUND_ERROR" }
func (err NotFoundError) StatusCode() int { return http.StatusNotFound }

// MalformedArrivalError rejects an arrival before any state mutation.
type MalformedArrivalError string

func (err MalformedArrivalError) Error() string   { return string(err) }
func (err MalformedArrivalError) ErrCode() string { return "MALFORMED_ARRIVAL" }
func (err MalformedArrivalError) StatusCode() int { return http.StatusBadRequest }

// TransientStoreError marks a store upsert/transition failure as retryable;
// the upstream provider is expected to redeliver the webhook.
type TransientStoreError struct {
	Err error
}

func (err TransientStoreError) Error() string   { return err.Err.Error() }
func (err TransientStoreError) Unwrap() error   { return err.Err }
func (err TransientStoreError) ErrCode() string { return "TRANSIENT_STORE_ERROR" }
func (err TransientStoreError) StatusCode() int { return http.StatusServiceUnavailable }

// CompletionTriggerError surfaces a failed reply pipeline. Terminal for the
// burst: the unit stays settling and nothing is retried internally.
type CompletionTriggerError struct {
	Err error
}

func (err CompletionTriggerError) Error() string   { return err.Err.Error() }
func (err CompletionTriggerError) Unwrap() error   { return err.Err }
func (err CompletionTriggerError) ErrCode() string { return "COMPLETION_TRIGGER_ERROR" }
func (err CompletionTriggerError) StatusCode() int { return http.StatusBadGateway }
