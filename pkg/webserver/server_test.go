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

package webserver_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mareana/eks-app-controller/pkg/apis"
)

func get(path string) (int, map[string]interface{}) {
	resp, err := http.Get(api.URL + path)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	var body map[string]interface{}
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return resp.StatusCode, body
}

func post(path, payload string) (int, map[string]interface{}) {
	resp, err := http.Post(api.URL+path, "application/json", strings.NewReader(payload))
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	var body map[string]interface{}
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return resp.StatusCode, body
}

var _ = Describe("Routes", func() {
	It("should answer the health check", func() {
		resp, err := http.Get(api.URL + "/healthz")
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
	It("should map an unknown application to 404", func() {
		code, body := get("/apps/nope.example.com")
		Expect(code).To(Equal(http.StatusNotFound))
		Expect(body["error"]).To(Equal("application not found"))
	})
	It("should list registered apps with composed views", func() {
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:   "a.example.com",
			Namespace: "app-a",
			Hostnames: []string{"a.example.com"},
			Postgres:  &apis.DbRef{Host: "10.0.0.5", Port: 5432},
		})).To(Succeed())

		code, body := get("/apps")
		Expect(code).To(Equal(http.StatusOK))
		apps := body["apps"].([]interface{})
		Expect(apps).To(HaveLen(1))
		view := apps[0].(map[string]interface{})
		Expect(view["name"]).To(Equal("a.example.com"))
		Expect(view["namespace"]).To(Equal("app-a"))
		Expect(view["postgres"]).ToNot(BeNil())
		Expect(view["neo4j"]).To(BeNil())
	})
	It("should flag records discovery has not re-seen for three periods", func() {
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:          "fresh.example.com",
			LastDiscoveredAt: time.Now().Unix(),
		})).To(Succeed())
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:          "stale.example.com",
			LastDiscoveredAt: time.Now().Add(-7 * time.Hour).Unix(),
		})).To(Succeed())

		code, body := get("/apps/fresh.example.com")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["stale"]).To(BeFalse())

		code, body = get("/apps/stale.example.com")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["stale"]).To(BeTrue())
	})
	It("should reject a start request without an app name", func() {
		code, body := post("/start", `{}`)
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(body["error"]).To(Equal("app_name is required"))
	})
	It("should pass dry_run through to the planner without mutating anything", func() {
		ec2api.AddInstance(ec2types.Instance{
			InstanceId: awssdk.String("i-pg"),
			State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
		})
		eksapi.AddNodegroup(ekstypes.Nodegroup{
			NodegroupName: awssdk.String("app-a-ng"),
			ScalingConfig: &ekstypes.NodegroupScalingConfig{
				DesiredSize: awssdk.Int32(0), MinSize: awssdk.Int32(0), MaxSize: awssdk.Int32(4),
			},
		})
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{
			AppName:  "a.example.com",
			Postgres: &apis.DbRef{Host: "10.0.0.5", Port: 5432, InstanceID: "i-pg"},
			NodePool: &apis.NodePool{Name: "app-a-ng", DefaultDesired: 2, DefaultMin: 1, DefaultMax: 4},
		})).To(Succeed())

		code, body := post("/start?dry_run=true", `{"app_name": "a.example.com"}`)
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["dry_run"]).To(BeTrue())
		plan := body["plan"].([]interface{})
		types := make([]string, 0, len(plan))
		for _, action := range plan {
			types = append(types, action.(map[string]interface{})["type"].(string))
		}
		Expect(types).To(ConsistOf("start_ec2", "scale_nodegroup"))
		Expect(ec2api.StartInstancesBehavior.Calls()).To(BeZero())
		Expect(eksapi.UpdateNodegroupConfigBehavior.Calls()).To(BeZero())
	})
	It("should validate database operation requests", func() {
		code, body := post("/db/start", `{"app": "a.example.com", "type": "mysql"}`)
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(body["error"]).To(Equal("type must be postgres or neo4j"))

		code, body = post("/db/stop", `{"type": "postgres"}`)
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(body["error"]).To(Equal("app is required"))
	})
	It("should require the app parameter on quick status", func() {
		code, body := get("/status/quick")
		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(body["error"]).To(Equal("app query parameter is required"))
	})
	It("should report quick status for a registered app", func() {
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{AppName: "a.example.com"})).To(Succeed())
		code, body := get("/status/quick?app=a.example.com")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal(string(apis.AppStatusUnknown)))
	})
	It("should round trip a schedule toggle against the global window", func() {
		code, body := get("/apps/a.example.com/schedule")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["enabled"]).To(BeFalse())
		Expect(body["on"]).To(Equal("08:00"))
		Expect(body["off"]).To(Equal("20:00"))

		code, body = post("/apps/a.example.com/schedule/enable", `{"enabled": true}`)
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["enabled"]).To(BeTrue())

		code, body = get("/apps/a.example.com/schedule")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["enabled"]).To(BeTrue())
	})
	It("should return an empty object when no cost snapshot exists", func() {
		code, body := get("/apps/a.example.com/cost")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(BeEmpty())
	})
	It("should return the latest cost snapshot", func() {
		Expect(reg.PutCostSnapshot(ctx, &apis.CostSnapshot{
			App:       "a.example.com",
			Date:      "2026-08-24",
			DailyCost: 3.87,
		})).To(Succeed())
		code, body := get("/apps/a.example.com/cost")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body["daily_cost"]).To(Equal(3.87))
	})
	It("should list operation log entries", func() {
		Expect(reg.AppendOperation(ctx, &apis.OperationLogEntry{
			App:       "a.example.com",
			Action:    "start",
			Source:    apis.SourceUser,
			StartedAt: 1700000000,
			Result:    "success",
		})).To(Succeed())
		code, body := get("/apps/a.example.com/operations")
		Expect(code).To(Equal(http.StatusOK))
		operations := body["operations"].([]interface{})
		Expect(operations).To(HaveLen(1))
		Expect(operations[0].(map[string]interface{})["action"]).To(Equal("start"))
	})
})
