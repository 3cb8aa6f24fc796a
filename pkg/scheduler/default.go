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
	"github.com/awslabs/open-resource-broker/pkg/apis"
)

// DefaultStrategy emits the native snake_case shapes and status vocabulary
// unchanged. Formatting then parsing through this strategy is the identity.
type DefaultStrategy struct{}

func (DefaultStrategy) Name() string { return "default" }

func (DefaultStrategy) FormatTemplates(templates []*apis.Template) interface{} {
	return map[string]interface{}{"templates": templates}
}

func (DefaultStrategy) FormatRequest(request *apis.Request, machines []*apis.Machine) interface{} {
	return map[string]interface{}{
		"request":  request,
		"machines": machines,
	}
}

func (DefaultStrategy) FormatMachines(machines []*apis.Machine) interface{} {
	return map[string]interface{}{"machines": machines}
}

// ExitCode treats any non-completed terminal status as failure.
func (DefaultStrategy) ExitCode(status apis.RequestStatus) int {
	if status == apis.RequestStatusCompleted {
		return 0
	}
	return 1
}
