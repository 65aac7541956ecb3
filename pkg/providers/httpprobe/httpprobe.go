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

// Package httpprobe checks application liveness through the same public
// hostname users hit.
package httpprobe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mareana/eks-app-controller/pkg/apis"
	awserrors "github.com/mareana/eks-app-controller/pkg/errors"
)

// verifyAcceptedCodes are the responses that prove the ingress path is
// serving after a start. Auth challenges and redirects count; the app is up
// even if the prober is not logged in.
var verifyAcceptedCodes = sets.New(http.StatusOK, http.StatusMovedPermanently, http.StatusFound, http.StatusUnauthorized, http.StatusForbidden)

// Result is the outcome of one liveness probe.
type Result struct {
	Status    apis.AppStatus
	Code      int
	LatencyMS int64
}

type Prober struct {
	client  *http.Client
	timeout time.Duration
}

func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		timeout: timeout,
		client: &http.Client{
			// Redirects are a probe signal, not something to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Quick issues one HEAD request against the hostname. UP requires a strict
// 200. A timeout means the app could not be observed and maps to UNKNOWN;
// every other failure is evidence the app is not serving and maps to DOWN.
func (p *Prober) Quick(ctx context.Context, hostname string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	code, err := p.head(ctx, hostname)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if awserrors.IsTimeout(err) {
			return Result{Status: apis.AppStatusUnknown, LatencyMS: latency}
		}
		return Result{Status: apis.AppStatusDown, LatencyMS: latency}
	}
	if code == http.StatusOK {
		return Result{Status: apis.AppStatusUp, Code: code, LatencyMS: latency}
	}
	return Result{Status: apis.AppStatusDown, Code: code, LatencyMS: latency}
}

// Verified reports whether a probe code proves the ingress path is serving.
func Verified(code int) bool {
	return verifyAcceptedCodes.Has(code)
}

// Verify reports whether the hostname answers with any of the accepted
// post-start codes.
func (p *Prober) Verify(ctx context.Context, hostname string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	code, err := p.head(ctx, hostname)
	if err != nil {
		return false, err
	}
	return verifyAcceptedCodes.Has(code), nil
}

// head tries HTTPS first and falls back to plain HTTP when the HTTPS attempt
// fails for a reason other than running out of time.
func (p *Prober) head(ctx context.Context, hostname string) (int, error) {
	code, err := p.headScheme(ctx, "https", hostname)
	if err == nil || awserrors.IsTimeout(err) || ctx.Err() != nil {
		return code, err
	}
	return p.headScheme(ctx, "http", hostname)
}

func (p *Prober) headScheme(ctx context.Context, scheme, hostname string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s://%s/", scheme, hostname), nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request for %q, %w", hostname, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing %q, %w", hostname, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
