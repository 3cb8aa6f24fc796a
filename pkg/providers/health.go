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

package providers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Monitor runs the active health-check loop over a provider context. An
// interval of zero disables active checking; the passive path through
// Execute keeps working either way.
type Monitor struct {
	providers *Context
	interval  time.Duration
}

func NewMonitor(providers *Context, interval time.Duration) *Monitor {
	return &Monitor{providers: providers, interval: interval}
}

// Start blocks until the context is done. Callers run it in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	log := logr.FromContextOrDiscard(ctx).WithName("health")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, m.interval)
			statuses, err := m.providers.CheckHealth(checkCtx)
			cancel()
			if err != nil {
				log.Error(err, "health check sweep failed")
				continue
			}
			for name, status := range statuses {
				if !status.Healthy {
					log.V(1).Info("provider unhealthy", "provider", name, "message", status.Message)
				}
			}
		}
	}
}
