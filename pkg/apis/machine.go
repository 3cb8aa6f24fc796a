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

type MachineStatus string

const (
	MachineStatusBuilding    MachineStatus = "building"
	MachineStatusRunning     MachineStatus = "running"
	MachineStatusStopping    MachineStatus = "stopping"
	MachineStatusStopped     MachineStatus = "stopped"
	MachineStatusTerminating MachineStatus = "terminating"
	MachineStatusTerminated  MachineStatus = "terminated"
	MachineStatusFailed      MachineStatus = "failed"
	MachineStatusUnknown     MachineStatus = "unknown"
)

var TerminalMachineStatuses = []MachineStatus{MachineStatusTerminated, MachineStatusFailed}

// machineTransitions holds the allowed forward edges of the machine state
// machine. Unknown is reachable from any non-terminal status on poll failure
// and recovers to any status on the next successful poll; those edges are
// handled outside the table.
var machineTransitions = map[MachineStatus][]MachineStatus{
	MachineStatusBuilding:    {MachineStatusRunning, MachineStatusFailed, MachineStatusTerminating, MachineStatusTerminated},
	MachineStatusRunning:     {MachineStatusStopping, MachineStatusStopped, MachineStatusTerminating, MachineStatusTerminated},
	MachineStatusStopping:    {MachineStatusStopped, MachineStatusTerminating, MachineStatusTerminated},
	MachineStatusStopped:     {MachineStatusRunning, MachineStatusTerminating, MachineStatusTerminated},
	MachineStatusTerminating: {MachineStatusTerminated},
}

// Machine is one provisioned host. It references exactly one request and is
// never moved between requests.
type Machine struct {
	MachineID       string        `json:"machine_id"`
	RequestID       string        `json:"request_id"`
	TemplateID      string        `json:"template_id"`
	ProviderName    string        `json:"provider_name"`
	InstanceID      string        `json:"instance_id"`
	InstanceType    string        `json:"instance_type,omitempty"`
	PrivateIP       string        `json:"private_ip,omitempty"`
	PublicIP        string        `json:"public_ip,omitempty"`
	Status          MachineStatus `json:"status"`
	LaunchTime      time.Time     `json:"launch_time"`
	LastStatusCheck time.Time     `json:"last_status_check"`

	Version  int64 `json:"version"`
	Sequence int64 `json:"sequence"`

	events []Event
}

// NewMachine records a host the provider reported for a request. Machines
// start in building until the first successful status poll.
func NewMachine(requestID, templateID, providerName, instanceID string) (*Machine, error) {
	if requestID == "" {
		return nil, errors.Validation("request_id is required")
	}
	if instanceID == "" {
		return nil, errors.Validation("instance_id is required")
	}
	now := time.Now().UTC()
	m := &Machine{
		MachineID:    fmt.Sprintf("mach-%s", uuid.NewString()),
		RequestID:    requestID,
		TemplateID:   templateID,
		ProviderName: providerName,
		InstanceID:   instanceID,
		Status:       MachineStatusBuilding,
		LaunchTime:   now,
	}
	m.record(&MachineCreated{machineEvent: m.event(), RequestID: requestID, InstanceID: instanceID})
	return m, nil
}

func (m *Machine) Terminal() bool {
	return lo.Contains(TerminalMachineStatuses, m.Status)
}

// ObserveStatus applies a successfully polled provider status. Re-observing
// the current status only refreshes the check timestamp, which remains legal
// on terminal machines.
func (m *Machine) ObserveStatus(observed MachineStatus) error {
	m.LastStatusCheck = time.Now().UTC()
	if observed == m.Status {
		return nil
	}
	if m.Terminal() {
		return errors.Conflict("machine %s is %s and rejects transition to %s", m.MachineID, m.Status, observed)
	}
	if m.Status != MachineStatusUnknown && !lo.Contains(machineTransitions[m.Status], observed) {
		return errors.Conflict("machine %s cannot transition %s -> %s", m.MachineID, m.Status, observed)
	}
	m.setStatus(observed)
	return nil
}

// ObservePollFailure moves a non-terminal machine to unknown. Unknown is
// recoverable on the next successful poll.
func (m *Machine) ObservePollFailure() {
	m.LastStatusCheck = time.Now().UTC()
	if m.Terminal() || m.Status == MachineStatusUnknown {
		return
	}
	m.setStatus(MachineStatusUnknown)
}

func (m *Machine) setStatus(to MachineStatus) {
	old := m.Status
	m.Status = to
	m.record(&MachineStatusChanged{machineEvent: m.event(), RequestID: m.RequestID, Old: old, New: to})
}

func (m *Machine) event() machineEvent {
	m.Sequence++
	return machineEvent{
		MachineID: m.MachineID,
		Seq:       m.Sequence,
		At:        time.Now().UTC(),
	}
}

func (m *Machine) record(e Event) {
	m.events = append(m.events, e)
}

// DrainEvents returns the uncommitted domain events and clears them.
func (m *Machine) DrainEvents() []Event {
	events := m.events
	m.events = nil
	return events
}
