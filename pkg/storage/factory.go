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
	"path/filepath"

	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
)

// Strategies lists the storage strategies this build knows how to open.
var Strategies = []string{"memory", "json"}

// Open builds a store for the configured strategy. The strategy name is
// opaque to the rest of the broker.
func Open(strategy, dataDir string, publisher events.Publisher) (Store, error) {
	switch strategy {
	case "", "json":
		return NewJSONStore(filepath.Join(dataDir, "broker_state.json"), publisher)
	case "memory":
		return NewMemoryStore(publisher), nil
	default:
		return nil, errors.Validation("unknown storage strategy %q, expected one of %v", strategy, Strategies)
	}
}
