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

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

func savedRequest(t *testing.T, store Store) *apis.Request {
	t.Helper()
	request, err := apis.NewAcquireRequest("tpl", 2)
	require.NoError(t, err)
	require.NoError(t, store.Requests().Save(context.Background(), request))
	return request
}

func TestSaveRoundTripIsStructurallyEqual(t *testing.T) {
	store := NewMemoryStore(nil)
	request := savedRequest(t, store)

	found, err := store.Requests().FindByID(context.Background(), request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestID, found.RequestID)
	assert.Equal(t, request.Status, found.Status)
	assert.Equal(t, request.MachineCount, found.MachineCount)
	assert.Equal(t, request.Version, found.Version)
}

func TestStaleWriteFailsWithConflict(t *testing.T) {
	store := NewMemoryStore(nil)
	request := savedRequest(t, store)

	stale, err := store.Requests().FindByID(context.Background(), request.RequestID)
	require.NoError(t, err)

	require.NoError(t, request.Begin())
	require.NoError(t, store.Requests().Save(context.Background(), request))

	err = store.Requests().Save(context.Background(), stale)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestMachineRequiresExistingRequest(t *testing.T) {
	store := NewMemoryStore(nil)
	machine, err := apis.NewMachine("req-missing", "tpl", "aws", "i-1")
	require.NoError(t, err)

	err = store.Machines().Save(context.Background(), machine)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestInstanceIDUniquePerProvider(t *testing.T) {
	store := NewMemoryStore(nil)
	request := savedRequest(t, store)

	first, err := apis.NewMachine(request.RequestID, "tpl", "aws", "i-1")
	require.NoError(t, err)
	require.NoError(t, store.Machines().Save(context.Background(), first))

	duplicate, err := apis.NewMachine(request.RequestID, "tpl", "aws", "i-1")
	require.NoError(t, err)
	err = store.Machines().Save(context.Background(), duplicate)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	// the same instance id under another provider is fine
	other, err := apis.NewMachine(request.RequestID, "tpl", "aws-west", "i-1")
	require.NoError(t, err)
	assert.NoError(t, store.Machines().Save(context.Background(), other))
}

func TestDeleteRejectsOwnedMachinesAndPurgeCascades(t *testing.T) {
	store := NewMemoryStore(nil)
	request := savedRequest(t, store)
	machine, err := apis.NewMachine(request.RequestID, "tpl", "aws", "i-1")
	require.NoError(t, err)
	require.NoError(t, store.Machines().Save(context.Background(), machine))

	err = store.Requests().Delete(context.Background(), request.RequestID)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	require.NoError(t, store.PurgeRequest(context.Background(), request.RequestID))
	_, err = store.Requests().FindByID(context.Background(), request.RequestID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	_, err = store.Machines().FindByID(context.Background(), machine.MachineID)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestFindByStatusAndByRequest(t *testing.T) {
	store := NewMemoryStore(nil)
	first := savedRequest(t, store)
	second := savedRequest(t, store)
	require.NoError(t, second.Begin())
	require.NoError(t, store.Requests().Save(context.Background(), second))

	pending, err := store.Requests().FindByStatus(context.Background(), apis.RequestStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.RequestID, pending[0].RequestID)

	machine, err := apis.NewMachine(first.RequestID, "tpl", "aws", "i-1")
	require.NoError(t, err)
	require.NoError(t, store.Machines().Save(context.Background(), machine))

	owned, err := store.Machines().FindByRequest(context.Background(), first.RequestID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, machine.MachineID, owned[0].MachineID)
}

func TestJSONStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "broker_state.json")

	store, err := NewJSONStore(path, nil)
	require.NoError(t, err)
	request := savedRequest(t, store)
	machine, err := apis.NewMachine(request.RequestID, "tpl", "aws", "i-1")
	require.NoError(t, err)
	require.NoError(t, store.Machines().Save(context.Background(), machine))

	reopened, err := NewJSONStore(path, nil)
	require.NoError(t, err)
	found, err := reopened.Requests().FindByID(context.Background(), request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestID, found.RequestID)
	assert.Equal(t, request.Version, found.Version)

	machines, err := reopened.Machines().FindByRequest(context.Background(), request.RequestID)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, machine.InstanceID, machines[0].InstanceID)
}
