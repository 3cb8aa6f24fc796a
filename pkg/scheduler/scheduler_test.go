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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/apis"
)

func TestHFAliasResolves(t *testing.T) {
	strategy, err := New("hf")
	require.NoError(t, err)
	assert.Equal(t, "hostfactory", strategy.Name())

	strategy, err = New("")
	require.NoError(t, err)
	assert.Equal(t, "default", strategy.Name())

	_, err = New("psychic")
	assert.Error(t, err)
}

func TestHostFactoryTemplateWireShape(t *testing.T) {
	strategy, err := New("hostfactory")
	require.NoError(t, err)

	out := strategy.FormatTemplates([]*apis.Template{{
		TemplateID:   "aws-basic",
		InstanceType: "m5.large",
		ImageID:      "ami-1",
		MaxNumber:    10,
		SubnetIDs:    []string{"subnet-1"},
	}})
	encoded, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded struct {
		Templates []map[string]interface{} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Len(t, decoded.Templates, 1)
	wire := decoded.Templates[0]

	assert.Equal(t, "aws-basic", wire["templateId"])
	assert.Equal(t, float64(10), wire["maxNumber"])
	assert.Equal(t, "m5.large", wire["vmType"])
	assert.NotContains(t, wire, "template_id")
	assert.NotContains(t, wire, "instance_type")

	attrs := wire["attributes"].(map[string]interface{})
	assert.Equal(t, []interface{}{"Numeric", "2"}, attrs["ncpus"])
	assert.Equal(t, []interface{}{"Numeric", "8192"}, attrs["nram"])
}

func TestHostFactoryAttributeFallback(t *testing.T) {
	strategy, err := New("hostfactory", WithAttributeDefaults(4, 2048))
	require.NoError(t, err)

	out := strategy.FormatTemplates([]*apis.Template{{
		TemplateID:   "exotic",
		InstanceType: "x99.mega",
	}})
	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded struct {
		Templates []map[string]interface{} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	attrs := decoded.Templates[0]["attributes"].(map[string]interface{})
	assert.Equal(t, []interface{}{"Numeric", "4"}, attrs["ncpus"])
	assert.Equal(t, []interface{}{"Numeric", "2048"}, attrs["nram"])
}

func TestExitCodeContract(t *testing.T) {
	hostfactory, err := New("hostfactory")
	require.NoError(t, err)
	plain, err := New("default")
	require.NoError(t, err)

	for _, status := range []apis.RequestStatus{
		apis.RequestStatusFailed,
		apis.RequestStatusCancelled,
		apis.RequestStatusTimeout,
		apis.RequestStatusPartial,
	} {
		assert.Equal(t, 1, hostfactory.ExitCode(status), string(status))
		assert.Equal(t, 1, plain.ExitCode(status), string(status))
	}
	assert.Equal(t, 0, hostfactory.ExitCode(apis.RequestStatusCompleted))
	assert.Equal(t, 0, plain.ExitCode(apis.RequestStatusCompleted))
}

func TestOutputIsByteEqualAcrossInvocations(t *testing.T) {
	strategy, err := New("hostfactory")
	require.NoError(t, err)

	request, err := apis.NewAcquireRequest("aws-basic", 1)
	require.NoError(t, err)
	machine, err := apis.NewMachine(request.RequestID, "aws-basic", "aws", "i-1")
	require.NoError(t, err)
	machine.LaunchTime = time.Unix(1700000000, 0).UTC()

	first, err := json.Marshal(strategy.FormatRequest(request, []*apis.Machine{machine}))
	require.NoError(t, err)
	second, err := json.Marshal(strategy.FormatRequest(request, []*apis.Machine{machine}))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestFieldMappingOverride(t *testing.T) {
	strategy, err := New("hostfactory", WithFieldMapping(map[string]string{"templateId": "templateName"}))
	require.NoError(t, err)

	out := strategy.FormatTemplates([]*apis.Template{{TemplateID: "t1"}})
	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded struct {
		Templates []map[string]interface{} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, "t1", decoded.Templates[0]["templateName"])
	assert.NotContains(t, decoded.Templates[0], "templateId")
}
