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

package cache

import "time"

const (
	// TemplateTTL is the time resolved templates stay served from memory
	// before the file set is re-read. A force-refresh command invalidates
	// immediately.
	TemplateTTL = 5 * time.Minute
	// UnavailableCapacityTTL is the time before offerings that were marked as
	// unavailable are dropped from the cache and become eligible for launch
	// again
	UnavailableCapacityTTL = 3 * time.Minute
	// QueryTTL is the default lifetime of cached query results on the bus.
	QueryTTL = 30 * time.Second
	// InstanceTypeTTL is the time before instance-type attribute lookups are
	// refreshed at the provider.
	InstanceTypeTTL = 24 * time.Hour
)

const (
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = time.Minute
	// UnavailableCapacityCleanupInterval is dropped down so offerings that
	// become available again are retried quickly after eviction
	UnavailableCapacityCleanupInterval = 10 * time.Second
)
