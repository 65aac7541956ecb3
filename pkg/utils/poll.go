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

package utils

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrPollDeadline marks a poll that ran out of budget before the condition
// held. Callers downgrade it to a warning rather than failing the operation.
var ErrPollDeadline = wait.ErrWaitTimeout //nolint:staticcheck

// PollUntil re-evaluates condition every interval until it returns true, the
// timeout elapses, or the parent context is cancelled. The condition runs once
// immediately.
func PollUntil(ctx context.Context, interval, timeout time.Duration, condition func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wait.PollUntilContextCancel(ctx, interval, true, condition)
}

// IsPollDeadline reports whether err came from an exhausted poll budget.
func IsPollDeadline(err error) bool {
	return wait.Interrupted(err)
}
