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
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

var (
	ErrCancelled        = context.Canceled
	ErrDeadlineExceeded = context.DeadlineExceeded

	// unfulfillableCapacityErrorCodes indicate capacity that cannot be
	// launched right now against the requested offering
	unfulfillableCapacityErrorCodes = []string{
		"InsufficientInstanceCapacity",
		"InsufficientHostCapacity",
		"InsufficientReservedInstanceCapacity",
		"MaxSpotInstanceCountExceeded",
		"SpotMaxPriceTooLow",
		"UnfulfillableCapacity",
		"Unsupported",
	}

	throttlingErrorCodes = []string{
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"EC2ThrottledException",
		"TooManyRequestsException",
	}

	quotaErrorCodes = []string{
		"VcpuLimitExceeded",
		"InstanceLimitExceeded",
		"MaxIOPSLimitExceeded",
		"VolumeLimitExceeded",
		"LimitExceededException",
	}

	permanentErrorCodes = []string{
		"UnauthorizedOperation",
		"AuthFailure",
		"AccessDenied",
		"AccessDeniedException",
		"OptInRequired",
		"InvalidParameterValue",
		"InvalidParameterCombination",
		"MissingParameter",
		"ValidationError",
	}

	notFoundErrorCodes = []string{
		"InvalidInstanceID.NotFound",
		"InvalidLaunchTemplateId.NotFound",
		"InvalidLaunchTemplateName.NotFoundException",
		"InvalidSubnetID.NotFound",
		"InvalidGroup.NotFound",
		"InvalidAMIID.NotFound",
	}
)

// FromAWS classifies an AWS SDK error into the broker taxonomy. Transient
// classifications drive retry and fallback; permanent ones surface
// immediately.
func FromAWS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, KindCancelled, "provider call cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, KindTimeout, "provider call deadline exceeded")
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// connection resets and transport failures come through without an
		// API error code
		return Wrap(err, KindProviderTransient, "provider transport failure")
	}
	code := apiErr.ErrorCode()
	switch {
	case lo.Contains(throttlingErrorCodes, code):
		return Wrap(err, KindProviderTransient, "provider throttled").WithDetail("code", code)
	case lo.Contains(unfulfillableCapacityErrorCodes, code):
		return Wrap(err, KindCapacity, "insufficient capacity").WithDetail("code", code)
	case lo.Contains(quotaErrorCodes, code):
		return Wrap(err, KindQuota, "provider quota exceeded").WithDetail("code", code)
	case lo.Contains(notFoundErrorCodes, code):
		return Wrap(err, KindNotFound, "provider resource not found").WithDetail("code", code)
	case lo.Contains(permanentErrorCodes, code):
		return Wrap(err, KindProviderPermanent, "provider rejected request").WithDetail("code", code)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= http.StatusInternalServerError {
		return Wrap(err, KindProviderTransient, "provider service failure").WithDetail("status", respErr.HTTPStatusCode())
	}
	return Wrap(err, KindProviderPermanent, "provider error").WithDetail("code", code)
}

// IsUnfulfillableCapacity reports whether a per-instance launch error code
// indicates capacity that cannot be fulfilled right now
func IsUnfulfillableCapacity(code string) bool {
	return lo.Contains(unfulfillableCapacityErrorCodes, code)
}
