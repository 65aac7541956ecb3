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

package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"

	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/errors"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "test"}
}

var _ = Describe("Classification", func() {
	It("should classify not-found codes, wrapped or not", func() {
		Expect(errors.IsNotFound(apiError("InvalidInstanceID.NotFound"))).To(BeTrue())
		Expect(errors.IsNotFound(&ekstypes.ResourceNotFoundException{})).To(BeTrue())
		Expect(errors.IsNotFound(fmt.Errorf("describing, %w", apiError("InvalidVolume.NotFound")))).To(BeTrue())
		Expect(errors.IsNotFound(apiError("AccessDenied"))).To(BeFalse())
		Expect(errors.IsNotFound(stderrors.New("not an api error"))).To(BeFalse())
		Expect(errors.IsNotFound(nil)).To(BeFalse())
	})
	It("should swallow only not-found with IgnoreNotFound", func() {
		Expect(errors.IgnoreNotFound(apiError("ResourceNotFoundException"))).To(BeNil())
		Expect(errors.IgnoreNotFound(apiError("Throttling"))).ToNot(BeNil())
	})
	It("should classify access denials", func() {
		Expect(errors.IsAccessDenied(apiError("UnauthorizedOperation"))).To(BeTrue())
		Expect(errors.IsAccessDenied(apiError("ResourceNotFoundException"))).To(BeFalse())
	})
	It("should classify conditional write rejections as contention", func() {
		Expect(errors.IsConditionFailed(&dynamodbtypes.ConditionalCheckFailedException{})).To(BeTrue())
		Expect(errors.IsConditionFailed(fmt.Errorf("acquiring lease, %w", &dynamodbtypes.ConditionalCheckFailedException{}))).To(BeTrue())
		Expect(errors.IsConditionFailed(apiError("ProvisionedThroughputExceededException"))).To(BeFalse())
	})
	It("should classify throttles and mid-transition states", func() {
		Expect(errors.IsThrottled(apiError("RequestLimitExceeded"))).To(BeTrue())
		Expect(errors.IsInvalidState(apiError("IncorrectInstanceState"))).To(BeTrue())
		Expect(errors.IsInvalidState(apiError("RequestLimitExceeded"))).To(BeFalse())
	})
	It("should treat deadline expiry as a timeout", func() {
		Expect(errors.IsTimeout(context.DeadlineExceeded)).To(BeTrue())
		Expect(errors.IsTimeout(fmt.Errorf("probing, %w", context.DeadlineExceeded))).To(BeTrue())
		Expect(errors.IsTimeout(context.Canceled)).To(BeFalse())
		Expect(errors.IsTimeout(nil)).To(BeFalse())
	})
})
