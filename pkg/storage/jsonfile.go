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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/events"
)

// JSONStore persists the memory store to a single JSON file after every
// mutation. Writes go through a temp file and rename so a crash never leaves
// a torn state file.
type JSONStore struct {
	*MemoryStore
	path string
}

type jsonState struct {
	Requests []*apis.Request `json:"requests"`
	Machines []*apis.Machine `json:"machines"`
}

func NewJSONStore(path string, publisher events.Publisher) (*JSONStore, error) {
	s := &JSONStore{MemoryStore: NewMemoryStore(publisher), path: path}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading state file %q, %w", path, err)
	}
	s.afterMutate = s.persist
	return s, nil
}

func (s *JSONStore) Name() string { return "json" }

func (s *JSONStore) Health(context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state directory is not writable, %w", err)
	}
	return nil
}

func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state jsonState
	if err := json.Unmarshal(raw, &state); err != nil {
		return err
	}
	s.requests = lo.SliceToMap(state.Requests, func(r *apis.Request) (string, *apis.Request) { return r.RequestID, r })
	s.machines = lo.SliceToMap(state.Machines, func(m *apis.Machine) (string, *apis.Machine) { return m.MachineID, m })
	return nil
}

// persist runs inside the store write lock.
func (s *JSONStore) persist() error {
	state := jsonState{
		Requests: lo.Values(s.requests),
		Machines: lo.Values(s.machines),
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state, %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory, %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing state file, %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file, %w", err)
	}
	return nil
}
