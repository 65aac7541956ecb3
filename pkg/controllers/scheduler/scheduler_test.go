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

package scheduler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
)

// Wednesday September 1st 2021. Weekday boundaries below are relative to it.
var wednesday = time.Date(2021, time.September, 1, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(wednesday.Year(), wednesday.Month(), wednesday.Day(), hour, minute, 0, 0, time.UTC)
}

func serve(code int) (string, func()) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	return strings.TrimPrefix(server.URL, "http://"), server.Close
}

func enableSchedule(appName string) {
	Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{AppName: appName, Namespace: "app-a"})).To(Succeed())
	Expect(reg.PutSchedule(ctx, &apis.ScheduleRecord{AppName: appName, Enabled: true})).To(Succeed())
}

func operations(appName string) []*apis.OperationLogEntry {
	entries, err := reg.ListOperations(ctx, appName, 0)
	Expect(err).ToNot(HaveOccurred())
	return entries
}

var _ = Describe("Evaluate", func() {
	It("should start a non-up app inside the ON window", func() {
		enableSchedule("a.example.com")
		newController(at(8, 2))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		entries := operations("a.example.com")
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Action).To(Equal("start"))
		Expect(entries[0].Source).To(Equal(apis.SourceScheduler))
		Expect(entries[0].Reason).To(Equal("scheduled ON time reached"))
	})
	It("should skip the start when the app already answers 200", func() {
		hostname, done := serve(http.StatusOK)
		defer done()
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:   "a.example.com",
			Namespace: "app-a",
			Hostnames: []string{hostname},
		})).To(Succeed())
		Expect(reg.PutSchedule(ctx, &apis.ScheduleRecord{AppName: "a.example.com", Enabled: true})).To(Succeed())
		newController(at(8, 2))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		Expect(operations("a.example.com")).To(BeEmpty())
	})
	It("should stop an unobservable app inside the OFF window", func() {
		// UNKNOWN is presumed up, so the stop has to run.
		enableSchedule("a.example.com")
		newController(at(20, 3))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		entries := operations("a.example.com")
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Action).To(Equal("stop"))
		Expect(entries[0].Reason).To(Equal("scheduled OFF time reached"))
	})
	It("should skip the stop when the app is provably down", func() {
		hostname, done := serve(http.StatusServiceUnavailable)
		defer done()
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:   "a.example.com",
			Namespace: "app-a",
			Hostnames: []string{hostname},
		})).To(Succeed())
		Expect(reg.PutSchedule(ctx, &apis.ScheduleRecord{AppName: "a.example.com", Enabled: true})).To(Succeed())
		newController(at(20, 3))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		Expect(operations("a.example.com")).To(BeEmpty())
	})
	It("should do nothing outside the boundary windows", func() {
		enableSchedule("a.example.com")
		newController(at(12, 0))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		Expect(operations("a.example.com")).To(BeEmpty())
	})
	It("should do nothing once the window has passed", func() {
		enableSchedule("a.example.com")
		newController(at(8, 6))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		Expect(operations("a.example.com")).To(BeEmpty())
	})
	It("should ignore apps whose schedule is disabled", func() {
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{AppName: "a.example.com", Namespace: "app-a"})).To(Succeed())
		Expect(reg.PutSchedule(ctx, &apis.ScheduleRecord{AppName: "a.example.com", Enabled: false})).To(Succeed())
		newController(at(8, 2))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		Expect(operations("a.example.com")).To(BeEmpty())
	})
	It("should stop all day on weekends when weekend shutdown is on", func() {
		enableSchedule("a.example.com")
		saturday := wednesday.AddDate(0, 0, 3)
		newController(time.Date(saturday.Year(), saturday.Month(), saturday.Day(), 13, 30, 0, 0, time.UTC))

		Expect(controller.Evaluate(ctx)).To(Succeed())
		entries := operations("a.example.com")
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Action).To(Equal("stop"))
	})
	It("should stand down after a recent opposite user action", func() {
		enableSchedule("a.example.com")
		newController(at(8, 2))
		Expect(reg.AppendOperation(ctx, &apis.OperationLogEntry{
			App:        "a.example.com",
			Action:     "stop",
			Source:     apis.SourceUser,
			StartedAt:  at(7, 50).UnixNano(),
			FinishedAt: at(7, 52).UnixNano(),
			Result:     "success",
		})).To(Succeed())

		Expect(controller.Evaluate(ctx)).To(Succeed())
		entries := operations("a.example.com")
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Source).To(Equal(apis.SourceUser))
	})
	It("should not stand down for an old user action", func() {
		enableSchedule("a.example.com")
		newController(at(8, 2))
		Expect(reg.AppendOperation(ctx, &apis.OperationLogEntry{
			App:        "a.example.com",
			Action:     "stop",
			Source:     apis.SourceUser,
			StartedAt:  at(6, 0).UnixNano(),
			FinishedAt: at(6, 2).UnixNano(),
			Result:     "success",
		})).To(Succeed())

		Expect(controller.Evaluate(ctx)).To(Succeed())
		entries := operations("a.example.com")
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Source).To(Equal(apis.SourceScheduler))
	})
})
