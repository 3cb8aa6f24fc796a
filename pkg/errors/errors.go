/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error for retry, fallback and surface mapping
// decisions. Kinds are stable identifiers and appear verbatim in the bus
// envelope and in MCP/CLI error payloads.
type Kind string

const (
	KindValidation          Kind = "Validation"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindQuota               Kind = "Quota"
	KindCapacity            Kind = "Capacity"
	KindProviderTransient   Kind = "ProviderTransient"
	KindProviderPermanent   Kind = "ProviderPermanent"
	KindSaturated           Kind = "Saturated"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindNoProviderAvailable Kind = "NoProviderAvailable"
	KindCancelled           Kind = "Cancelled"
	KindTimeout             Kind = "Timeout"
	KindInternal            Kind = "Internal"
)

// Error is the broker's structured error. Every error crossing a package
// boundary is either an *Error or wraps one.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s, %s", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// WithDetail attaches a structured detail and returns the receiver so calls
// can be chained at the error site.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the error is eligible for retry and fallback.
// Saturated is retryable after backoff but must not fall over to another
// provider without explicit policy; callers that fall over check the kind.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderTransient, KindSaturated, KindConflict:
		return true
	}
	return false
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Internal(err error, format string, args ...interface{}) *Error {
	return Wrap(err, KindInternal, format, args...)
}

// KindOf extracts the Kind from any error in the chain. Context cancellation
// and deadline expiry classify without wrapping so cooperative cancellation
// never needs a translation layer.
func KindOf(err error) Kind {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether any error in the chain is retryable. Unknown
// errors are not retried blindly.
func IsRetryable(err error) bool {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Retryable()
	}
	return false
}

// DetailsOf returns the structured details from the first *Error in the
// chain, or nil.
func DetailsOf(err error) map[string]interface{} {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Details
	}
	return nil
}
