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

package apis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type RequestType string

const (
	RequestTypeAcquire RequestType = "acquire"
	RequestTypeReturn  RequestType = "return"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
	RequestStatusPartial    RequestStatus = "partial"
	RequestStatusTimeout    RequestStatus = "timeout"
)

// TerminalRequestStatuses are the statuses a request can never leave.
var TerminalRequestStatuses = []RequestStatus{
	RequestStatusCompleted,
	RequestStatusFailed,
	RequestStatusCancelled,
	RequestStatusPartial,
	RequestStatusTimeout,
}

// RequestError records one enumerable failure attached to a request, e.g. a
// per-instance launch error on a partial fulfillment.
type RequestError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Request is the unit of work: acquire N machines for a template, or return a
// set of machines. It owns its machine ids and enforces the request state
// machine; machines hold a back-reference id only.
type Request struct {
	RequestID     string        `json:"request_id"`
	Type          RequestType   `json:"type"`
	TemplateID    string        `json:"template_id,omitempty"`
	MachineCount  int           `json:"machine_count,omitempty"`
	MachineRefs   []string      `json:"machine_references,omitempty"`
	Status        RequestStatus `json:"status"`
	ProviderName  string        `json:"provider_name,omitempty"`
	MachineIDs    []string      `json:"machine_ids,omitempty"`
	Errors        []RequestError `json:"errors,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`

	// Version supports optimistic concurrency at the repository; Sequence is
	// the per-aggregate monotonic event counter.
	Version  int64 `json:"version"`
	Sequence int64 `json:"sequence"`

	events []Event
}

// NewAcquireRequest builds a pending acquire request for count machines of
// the given template.
func NewAcquireRequest(templateID string, count int) (*Request, error) {
	if templateID == "" {
		return nil, errors.Validation("template_id is required")
	}
	if count <= 0 {
		return nil, errors.Validation("machine_count must be positive, got %d", count)
	}
	r := newRequest(RequestTypeAcquire)
	r.TemplateID = templateID
	r.MachineCount = count
	return r, nil
}

// NewReturnRequest builds a pending return request for the referenced
// machines.
func NewReturnRequest(machineRefs []string) (*Request, error) {
	if len(machineRefs) == 0 {
		return nil, errors.Validation("at least one machine reference is required")
	}
	r := newRequest(RequestTypeReturn)
	r.MachineRefs = lo.Uniq(machineRefs)
	return r, nil
}

func newRequest(t RequestType) *Request {
	now := time.Now().UTC()
	r := &Request{
		RequestID:     fmt.Sprintf("req-%s", uuid.NewString()),
		Type:          t,
		Status:        RequestStatusPending,
		CorrelationID: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.record(&RequestCreated{requestEvent: r.event(), Type: t})
	return r
}

// Terminal reports whether the request reached a status it can never leave.
func (r *Request) Terminal() bool {
	return lo.Contains(TerminalRequestStatuses, r.Status)
}

// SelectProvider fixes the provider instance for the request's lifetime.
// Reassignment is rejected.
func (r *Request) SelectProvider(name string) error {
	if r.ProviderName != "" && r.ProviderName != name {
		return errors.Conflict("request %s is already bound to provider %s", r.RequestID, r.ProviderName)
	}
	r.ProviderName = name
	return nil
}

// Begin transitions the request to in-progress once handler invocation is
// accepted.
func (r *Request) Begin() error {
	return r.transition(RequestStatusInProgress, RequestStatusPending)
}

// RecordMachine attaches a created machine to the request. Terminal requests
// reject new machines.
func (r *Request) RecordMachine(machineID string) error {
	if r.Terminal() {
		return errors.Conflict("request %s is %s and cannot record machines", r.RequestID, r.Status)
	}
	if !lo.Contains(r.MachineIDs, machineID) {
		r.MachineIDs = append(r.MachineIDs, machineID)
		r.touch()
	}
	return nil
}

// RecordError appends an enumerable failure without changing status.
func (r *Request) RecordError(e RequestError) {
	r.Errors = append(r.Errors, e)
	r.touch()
}

// Complete marks full fulfillment.
func (r *Request) Complete() error {
	return r.transition(RequestStatusCompleted, RequestStatusInProgress)
}

// CompletePartial marks partial fulfillment; callers only invoke it when the
// partial-fulfillment policy allows and at least one machine was created.
func (r *Request) CompletePartial() error {
	if len(r.MachineIDs) == 0 {
		return errors.Internal(nil, "partial completion requires at least one machine")
	}
	return r.transition(RequestStatusPartial, RequestStatusInProgress)
}

// Fail marks the request failed and records the cause.
func (r *Request) Fail(cause error) error {
	if cause != nil {
		r.RecordError(RequestError{
			Kind:    string(errors.KindOf(cause)),
			Message: cause.Error(),
			Details: errors.DetailsOf(cause),
		})
	}
	return r.transition(RequestStatusFailed, RequestStatusPending, RequestStatusInProgress)
}

// Cancel transitions to cancelled. Cancelling an already-terminal request is
// a no-op reported through alreadyTerminal.
func (r *Request) Cancel() (alreadyTerminal bool, err error) {
	if r.Terminal() {
		return true, nil
	}
	return false, r.transition(RequestStatusCancelled, RequestStatusPending, RequestStatusInProgress)
}

// MarkTimeout transitions to timeout once the request deadline is exceeded.
func (r *Request) MarkTimeout() error {
	return r.transition(RequestStatusTimeout, RequestStatusPending, RequestStatusInProgress)
}

func (r *Request) transition(to RequestStatus, from ...RequestStatus) error {
	if r.Terminal() {
		return errors.Conflict("request %s is %s and rejects transition to %s", r.RequestID, r.Status, to)
	}
	if !lo.Contains(from, r.Status) {
		return errors.Conflict("request %s cannot transition %s -> %s", r.RequestID, r.Status, to)
	}
	old := r.Status
	r.Status = to
	r.touch()
	if r.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	r.record(&RequestStatusChanged{requestEvent: r.event(), Old: old, New: to})
	return nil
}

func (r *Request) touch() {
	r.UpdatedAt = time.Now().UTC()
}

func (r *Request) event() requestEvent {
	r.Sequence++
	return requestEvent{
		RequestID:   r.RequestID,
		Correlation: r.CorrelationID,
		Seq:         r.Sequence,
		At:          time.Now().UTC(),
	}
}

func (r *Request) record(e Event) {
	r.events = append(r.events, e)
}

// DrainEvents returns the uncommitted domain events and clears them. The
// repository publishes drained events on successful save.
func (r *Request) DrainEvents() []Event {
	events := r.events
	r.events = nil
	return events
}
