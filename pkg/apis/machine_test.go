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

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	machine, err := NewMachine("req-1", "tpl", "aws_prod_us-east-1", "i-0123456789abcdef0")
	require.NoError(t, err)
	return machine
}

func TestMachineStartsBuilding(t *testing.T) {
	machine := newTestMachine(t)
	assert.Equal(t, MachineStatusBuilding, machine.Status)
	assert.False(t, machine.Terminal())

	_, err := NewMachine("", "tpl", "p", "i-1")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	_, err = NewMachine("req-1", "tpl", "p", "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestMachineLifecycle(t *testing.T) {
	machine := newTestMachine(t)

	require.NoError(t, machine.ObserveStatus(MachineStatusRunning))
	require.NoError(t, machine.ObserveStatus(MachineStatusStopping))
	require.NoError(t, machine.ObserveStatus(MachineStatusStopped))
	require.NoError(t, machine.ObserveStatus(MachineStatusTerminating))
	require.NoError(t, machine.ObserveStatus(MachineStatusTerminated))
	assert.True(t, machine.Terminal())
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	machine := newTestMachine(t)
	require.NoError(t, machine.ObserveStatus(MachineStatusRunning))

	err := machine.ObserveStatus(MachineStatusBuilding)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestUnknownIsRecoverable(t *testing.T) {
	machine := newTestMachine(t)
	require.NoError(t, machine.ObserveStatus(MachineStatusRunning))

	machine.ObservePollFailure()
	assert.Equal(t, MachineStatusUnknown, machine.Status)

	require.NoError(t, machine.ObserveStatus(MachineStatusRunning))
	assert.Equal(t, MachineStatusRunning, machine.Status)
}

func TestTerminalMachineOnlyRefreshesObservation(t *testing.T) {
	machine := newTestMachine(t)
	require.NoError(t, machine.ObserveStatus(MachineStatusFailed))
	assert.True(t, machine.Terminal())

	// re-observing the terminal status refreshes the check timestamp
	require.NoError(t, machine.ObserveStatus(MachineStatusFailed))
	assert.False(t, machine.LastStatusCheck.IsZero())

	// poll failures never move a terminal machine to unknown
	machine.ObservePollFailure()
	assert.Equal(t, MachineStatusFailed, machine.Status)

	err := machine.ObserveStatus(MachineStatusRunning)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}
