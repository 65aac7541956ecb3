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

// Package errors classifies AWS API failures into the categories callers
// branch on. Only the category is inspected, never the message text.
package errors

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	notFoundErrorCodes = sets.New[string](
		"ResourceNotFoundException",
		"InvalidInstanceID.NotFound",
		"InvalidVolume.NotFound",
	)
	accessDeniedErrorCodes = sets.New[string](
		"AccessDenied",
		"AccessDeniedException",
		"UnauthorizedOperation",
		"NotAuthorized",
	)
	conditionFailedErrorCodes = sets.New[string](
		"ConditionalCheckFailedException",
	)
	throttledErrorCodes = sets.New[string](
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"ProvisionedThroughputExceededException",
		"TooManyRequestsException",
	)
	invalidStateErrorCodes = sets.New[string](
		"IncorrectInstanceState",
		"InvalidState",
		"ResourceInUseException",
	)
)

// IsNotFound returns true if the err is an AWS error (even if it's
// wrapped) with a code indicating the resource does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IsAccessDenied returns true if the err is an AWS error (even if it's
// wrapped) that indicates missing permissions.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return accessDeniedErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsConditionFailed returns true if the err is a DynamoDB conditional write
// rejection. Lease acquisition treats this as contention, not failure.
func IsConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return conditionFailedErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsThrottled returns true if the err is a rate limiting response; callers
// retry with backoff.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttledErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsInvalidState returns true if the resource exists but is mid-transition
// and cannot accept the request right now.
func IsInvalidState(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return invalidStateErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsTimeout returns true if the err is a deadline expiry or a network
// timeout. Probes report these as UNKNOWN rather than DOWN.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
