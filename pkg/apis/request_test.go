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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

func TestNewAcquireRequestValidation(t *testing.T) {
	_, err := NewAcquireRequest("", 1)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = NewAcquireRequest("tpl", 0)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	request, err := NewAcquireRequest("tpl", 3)
	require.NoError(t, err)
	assert.Equal(t, RequestStatusPending, request.Status)
	assert.Equal(t, 3, request.MachineCount)
	assert.NotEmpty(t, request.RequestID)
	assert.NotEmpty(t, request.CorrelationID)
}

func TestRequestHappyPathTransitions(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 2)
	require.NoError(t, err)

	require.NoError(t, request.Begin())
	assert.Equal(t, RequestStatusInProgress, request.Status)

	require.NoError(t, request.RecordMachine("mach-1"))
	require.NoError(t, request.RecordMachine("mach-2"))
	require.NoError(t, request.Complete())
	assert.Equal(t, RequestStatusCompleted, request.Status)
	assert.True(t, request.Terminal())
	require.NotNil(t, request.CompletedAt)
}

func TestTerminalRequestsRejectTransitions(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 1)
	require.NoError(t, err)
	require.NoError(t, request.Begin())
	require.NoError(t, request.Complete())

	assert.True(t, errors.IsKind(request.Begin(), errors.KindConflict))
	assert.True(t, errors.IsKind(request.Fail(nil), errors.KindConflict))
	assert.True(t, errors.IsKind(request.RecordMachine("mach-9"), errors.KindConflict))
}

func TestCancelIsIdempotentOnTerminal(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 1)
	require.NoError(t, err)

	alreadyTerminal, err := request.Cancel()
	require.NoError(t, err)
	assert.False(t, alreadyTerminal)
	assert.Equal(t, RequestStatusCancelled, request.Status)

	alreadyTerminal, err = request.Cancel()
	require.NoError(t, err)
	assert.True(t, alreadyTerminal)
	assert.Equal(t, RequestStatusCancelled, request.Status)
}

func TestPartialRequiresMachines(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 5)
	require.NoError(t, err)
	require.NoError(t, request.Begin())

	assert.Error(t, request.CompletePartial())

	require.NoError(t, request.RecordMachine("mach-1"))
	require.NoError(t, request.CompletePartial())
	assert.Equal(t, RequestStatusPartial, request.Status)
	assert.True(t, request.Terminal())
}

func TestProviderBindingIsFixed(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 1)
	require.NoError(t, err)

	require.NoError(t, request.SelectProvider("aws_prod_us-east-1"))
	require.NoError(t, request.SelectProvider("aws_prod_us-east-1"))
	assert.True(t, errors.IsKind(request.SelectProvider("aws_dev_us-west-2"), errors.KindConflict))
}

func TestRequestEventsAreSequencedAndDrained(t *testing.T) {
	request, err := NewAcquireRequest("tpl", 1)
	require.NoError(t, err)
	require.NoError(t, request.Begin())

	drained := request.DrainEvents()
	require.Len(t, drained, 2)
	assert.Equal(t, "RequestCreated", drained[0].EventType())
	assert.Equal(t, "RequestStatusChanged", drained[1].EventType())
	assert.Less(t, drained[0].Sequence(), drained[1].Sequence())
	assert.Equal(t, request.RequestID, drained[0].AggregateID())

	assert.Empty(t, request.DrainEvents())
}

func TestReturnRequestDeduplicatesRefs(t *testing.T) {
	request, err := NewReturnRequest([]string{"i-1", "i-2", "i-1"})
	require.NoError(t, err)
	assert.Len(t, request.MachineRefs, 2)

	_, err = NewReturnRequest(nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
