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

package scheduler

import (
	"strconv"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

// HostFactoryStrategy rewrites identifiers, field names and status
// encodings to the camelCase schema the HostFactory requestor consumes.
// Output is built as maps with canonical wire keys; encoding/json sorts map
// keys, so serialization stays byte-equal across invocations.
type HostFactoryStrategy struct {
	opts options
}

func (*HostFactoryStrategy) Name() string { return "hostfactory" }

// hfStatuses maps internal request statuses onto the requestor vocabulary.
var hfStatuses = map[apis.RequestStatus]string{
	apis.RequestStatusPending:    "running",
	apis.RequestStatusInProgress: "running",
	apis.RequestStatusCompleted:  "complete",
	apis.RequestStatusPartial:    "complete_with_error",
	apis.RequestStatusFailed:     "complete_with_error",
	apis.RequestStatusCancelled:  "complete_with_error",
	apis.RequestStatusTimeout:    "complete_with_error",
}

// hfMachineResults maps machine statuses onto the requestor's result field.
var hfMachineResults = map[apis.MachineStatus]string{
	apis.MachineStatusBuilding:    "executing",
	apis.MachineStatusRunning:     "succeed",
	apis.MachineStatusStopping:    "executing",
	apis.MachineStatusStopped:     "fail",
	apis.MachineStatusTerminating: "executing",
	apis.MachineStatusTerminated:  "succeed",
	apis.MachineStatusFailed:      "fail",
	apis.MachineStatusUnknown:     "executing",
}

func (s *HostFactoryStrategy) FormatTemplates(templates []*apis.Template) interface{} {
	return map[string]interface{}{
		"templates": lo.Map(templates, func(t *apis.Template, _ int) map[string]interface{} {
			wire := map[string]interface{}{
				"templateId": t.TemplateID,
				"maxNumber":  t.MaxNumber,
				"attributes": s.attributes(t),
			}
			if t.InstanceType != "" {
				wire["vmType"] = t.InstanceType
			}
			if len(t.InstanceTypes) > 0 {
				wire["vmTypes"] = t.InstanceTypes
			}
			if t.ImageID != "" {
				wire["imageId"] = t.ImageID
			}
			if len(t.SubnetIDs) > 0 {
				wire["subnetId"] = t.SubnetIDs
			}
			if t.KeyName != "" {
				wire["keyName"] = t.KeyName
			}
			return s.remap(wire)
		}),
	}
}

// attributes synthesizes the host attributes the requestor schedules
// against, deriving ncpus and nram from the capability table.
func (s *HostFactoryStrategy) attributes(t *apis.Template) map[string][]string {
	fallback := hostAttributes{NCPUs: s.opts.defaultNCPUs, NRAMMiB: s.opts.defaultNRAM}
	attrs := fallback
	if t.InstanceType != "" {
		attrs = lookupAttributes(t.InstanceType, fallback)
	} else if len(t.InstanceTypes) > 0 {
		attrs = lookupAttributes(t.InstanceTypes[0], fallback)
	} else if t.InstanceRequirements != nil {
		attrs = hostAttributes{
			NCPUs:   int(t.InstanceRequirements.VCPUCount.Min),
			NRAMMiB: int(t.InstanceRequirements.MemoryMiB.Min),
		}
	}
	return map[string][]string{
		"type":  {"String", "X86_64"},
		"ncpus": {"Numeric", strconv.Itoa(attrs.NCPUs)},
		"nram":  {"Numeric", strconv.Itoa(attrs.NRAMMiB)},
	}
}

func (s *HostFactoryStrategy) FormatRequest(request *apis.Request, machines []*apis.Machine) interface{} {
	message := ""
	if len(request.Errors) > 0 {
		message = request.Errors[0].Message
	}
	return s.remap(map[string]interface{}{
		"requestId": request.RequestID,
		"status":    hfStatuses[request.Status],
		"machines":  lo.Map(machines, func(m *apis.Machine, _ int) map[string]interface{} { return s.machine(m) }),
		"message":   message,
	})
}

func (s *HostFactoryStrategy) FormatMachines(machines []*apis.Machine) interface{} {
	return map[string]interface{}{
		"machines": lo.Map(machines, func(m *apis.Machine, _ int) map[string]interface{} { return s.machine(m) }),
	}
}

func (s *HostFactoryStrategy) machine(m *apis.Machine) map[string]interface{} {
	wire := map[string]interface{}{
		"machineId":  m.MachineID,
		"name":       m.InstanceID,
		"result":     hfMachineResults[m.Status],
		"status":     string(m.Status),
		"launchtime": m.LaunchTime.Unix(),
		"message":    "",
	}
	if m.PrivateIP != "" {
		wire["privateIpAddress"] = m.PrivateIP
	}
	if m.PublicIP != "" {
		wire["publicIpAddress"] = m.PublicIP
	}
	return s.remap(wire)
}

// ExitCode treats failed, cancelled, timed out and partial terminals as
// failures.
func (*HostFactoryStrategy) ExitCode(status apis.RequestStatus) int {
	if status == apis.RequestStatusCompleted {
		return 0
	}
	return 1
}

// remap applies the configured field-mapping override table to the wire
// keys of one object.
func (s *HostFactoryStrategy) remap(wire map[string]interface{}) map[string]interface{} {
	if len(s.opts.fieldMapping) == 0 {
		return wire
	}
	out := make(map[string]interface{}, len(wire))
	for key, value := range wire {
		if renamed, ok := s.opts.fieldMapping[key]; ok {
			key = renamed
		}
		out[key] = value
	}
	return out
}
