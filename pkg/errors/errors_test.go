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

package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	err := Validation("bad template %s", "t1")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, IsRetryable(err))

	wrapped := fmt.Errorf("outer, %w", Conflict("stale"))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))

	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("mystery")))
}

func TestDetailsSurvivesWrapping(t *testing.T) {
	err := New(KindQuota, "limit hit").WithDetail("code", "VcpuLimitExceeded")
	wrapped := fmt.Errorf("while launching, %w", err)
	assert.Equal(t, "VcpuLimitExceeded", DetailsOf(wrapped)["code"])
}

func TestFromAWSThrottlingIsTransient(t *testing.T) {
	err := FromAWS(&smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"})
	assert.Equal(t, KindProviderTransient, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestFromAWSCapacityAndQuota(t *testing.T) {
	err := FromAWS(&smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"})
	assert.Equal(t, KindCapacity, KindOf(err))

	err = FromAWS(&smithy.GenericAPIError{Code: "VcpuLimitExceeded"})
	assert.Equal(t, KindQuota, KindOf(err))
}

func TestFromAWSPermanentBypassesRetry(t *testing.T) {
	err := FromAWS(&smithy.GenericAPIError{Code: "UnauthorizedOperation"})
	assert.Equal(t, KindProviderPermanent, KindOf(err))
	assert.False(t, IsRetryable(err))

	err = FromAWS(&smithy.GenericAPIError{Code: "InvalidAMIID.NotFound"})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestFromAWSTransportFailureIsTransient(t *testing.T) {
	err := FromAWS(fmt.Errorf("connection reset by peer"))
	assert.Equal(t, KindProviderTransient, KindOf(err))
}

func TestUnfulfillableCapacityCodes(t *testing.T) {
	assert.True(t, IsUnfulfillableCapacity("InsufficientInstanceCapacity"))
	assert.True(t, IsUnfulfillableCapacity("SpotMaxPriceTooLow"))
	assert.False(t, IsUnfulfillableCapacity("AuthFailure"))
}
