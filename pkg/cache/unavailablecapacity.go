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

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
)

// UnavailableCapacity stores offerings that recently returned insufficient
// capacity when a launch was attempted. Handlers skip these offerings while
// they remain cached so repeated dispatches do not hammer an exhausted pool.
type UnavailableCapacity struct {
	// key: <provider>:<instanceType>:<subnet>, value: struct{}{}
	offerings *cache.Cache
	seqNum    atomic.Uint64
}

func NewUnavailableCapacity() *UnavailableCapacity {
	u := &UnavailableCapacity{
		offerings: cache.New(UnavailableCapacityTTL, UnavailableCapacityCleanupInterval),
	}
	u.offerings.OnEvicted(func(string, interface{}) {
		u.seqNum.Add(1)
	})
	return u
}

// SeqNum changes whenever the cached set changes, letting callers detect
// that a previously skipped offering may be worth retrying.
func (u *UnavailableCapacity) SeqNum() uint64 {
	return u.seqNum.Load()
}

// IsUnavailable reports whether the offering appears in the cache.
func (u *UnavailableCapacity) IsUnavailable(provider, instanceType, subnet string) bool {
	_, found := u.offerings.Get(u.key(provider, instanceType, subnet))
	return found
}

// MarkUnavailable records a capacity shortage observed on a launch attempt.
func (u *UnavailableCapacity) MarkUnavailable(ctx context.Context, provider, instanceType, subnet, reason string) {
	logr.FromContextOrDiscard(ctx).V(1).Info("marking offering unavailable",
		"provider", provider, "instance-type", instanceType, "subnet", subnet, "reason", reason, "ttl", UnavailableCapacityTTL)
	u.offerings.SetDefault(u.key(provider, instanceType, subnet), struct{}{})
	u.seqNum.Add(1)
}

func (u *UnavailableCapacity) key(provider, instanceType, subnet string) string {
	return fmt.Sprintf("%s:%s:%s", provider, instanceType, subnet)
}
