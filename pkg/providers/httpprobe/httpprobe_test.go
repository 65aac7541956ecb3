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

package httpprobe_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/providers/httpprobe"
)

// serve returns the host:port of a plain HTTP server answering with code.
// The prober tries HTTPS first and falls back to HTTP, so plain servers
// also exercise the fallback path.
func serve(code int) (string, func()) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	return strings.TrimPrefix(server.URL, "http://"), server.Close
}

var _ = Describe("Quick", func() {
	It("should report UP only for a strict 200", func() {
		hostname, done := serve(http.StatusOK)
		defer done()

		result := httpprobe.NewProber(2*time.Second).Quick(ctx, hostname)
		Expect(result.Status).To(Equal(apis.AppStatusUp))
		Expect(result.Code).To(Equal(http.StatusOK))
	})
	It("should report DOWN for any non-200 response", func() {
		for _, code := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusFound} {
			hostname, done := serve(code)
			result := httpprobe.NewProber(2*time.Second).Quick(ctx, hostname)
			done()
			Expect(result.Status).To(Equal(apis.AppStatusDown))
			Expect(result.Code).To(Equal(code))
		}
	})
	It("should report DOWN when nothing listens on the hostname", func() {
		result := httpprobe.NewProber(2*time.Second).Quick(ctx, "127.0.0.1:1")
		Expect(result.Status).To(Equal(apis.AppStatusDown))
		Expect(result.Code).To(BeZero())
	})
	It("should report UNKNOWN when the probe runs out of time", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}))
		defer server.Close()
		hostname := strings.TrimPrefix(server.URL, "http://")

		result := httpprobe.NewProber(100*time.Millisecond).Quick(ctx, hostname)
		Expect(result.Status).To(Equal(apis.AppStatusUnknown))
	})
	It("should not follow redirects", func() {
		hostname, done := serve(http.StatusMovedPermanently)
		defer done()

		result := httpprobe.NewProber(2*time.Second).Quick(ctx, hostname)
		Expect(result.Code).To(Equal(http.StatusMovedPermanently))
	})
})

var _ = Describe("Verify", func() {
	It("should accept auth challenges and redirects as proof of serving", func() {
		for _, code := range []int{http.StatusOK, http.StatusMovedPermanently, http.StatusFound, http.StatusUnauthorized, http.StatusForbidden} {
			Expect(httpprobe.Verified(code)).To(BeTrue(), "code %d", code)
		}
		for _, code := range []int{http.StatusBadGateway, http.StatusNotFound, http.StatusInternalServerError} {
			Expect(httpprobe.Verified(code)).To(BeFalse(), "code %d", code)
		}
	})
	It("should verify against a live server", func() {
		hostname, done := serve(http.StatusUnauthorized)
		defer done()

		ok, err := httpprobe.NewProber(2*time.Second).Verify(ctx, hostname)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
	})
})
