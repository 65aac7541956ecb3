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

package discovery_test

import (
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
)

func addIngress(namespace string, hosts ...string) {
	rules := make([]networkingv1.IngressRule, 0, len(hosts))
	for _, host := range hosts {
		rules = append(rules, networkingv1.IngressRule{Host: host})
	}
	_, err := clientset.NetworkingV1().Ingresses(namespace).Create(ctx, &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: namespace + "-ingress"},
		Spec:       networkingv1.IngressSpec{Rules: rules},
	}, metav1.CreateOptions{})
	Expect(err).ToNot(HaveOccurred())
}

func addDbConfig(namespace string, data map[string]string) {
	_, err := clientset.CoreV1().ConfigMaps(namespace).Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: workload.DbConfigMapName},
		Data:       data,
	}, metav1.CreateOptions{})
	Expect(err).ToNot(HaveOccurred())
}

func addTaggedInstance(id, privateIP, component, apps string) {
	ec2api.AddInstance(ec2types.Instance{
		InstanceId:       awssdk.String(id),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		PrivateIpAddress: awssdk.String(privateIP),
		Tags: []ec2types.Tag{
			{Key: awssdk.String("AppName"), Value: awssdk.String(apps)},
			{Key: awssdk.String("Component"), Value: awssdk.String(component)},
		},
	})
}

func addSharedInstance(id, privateIP, component, apps string) {
	ec2api.AddInstance(ec2types.Instance{
		InstanceId:       awssdk.String(id),
		State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		PrivateIpAddress: awssdk.String(privateIP),
		Tags: []ec2types.Tag{
			{Key: awssdk.String("AppName"), Value: awssdk.String(apps)},
			{Key: awssdk.String("Component"), Value: awssdk.String(component)},
			{Key: awssdk.String("Shared"), Value: awssdk.String("true")},
		},
	})
}

var _ = Describe("Reconcile", func() {
	It("should project an ingress app with its database resolved by private IP", func() {
		addIngress("app-a", "a.example.com", "api.a.example.com")
		addDbConfig("app-a", map[string]string{"POSTGRES_HOST": "10.0.0.5", "POSTGRES_PORT": "5432"})
		addTaggedInstance("i-1", "10.0.0.5", "postgres", "a.example.com")

		Expect(newController().Reconcile(ctx)).To(Succeed())

		record, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.AppName).To(Equal("a.example.com"))
		Expect(record.Namespace).To(Equal("app-a"))
		Expect(record.Hostnames).To(ConsistOf("a.example.com", "api.a.example.com"))
		Expect(record.Postgres.InstanceID).To(Equal("i-1"))
		Expect(record.LastDiscoveredAt).ToNot(BeZero())
	})
	It("should resolve a database by component tag and app membership", func() {
		addIngress("app-a", "a.example.com")
		addDbConfig("app-a", map[string]string{"POSTGRES_HOST": "pg.internal"})
		addTaggedInstance("i-1", "10.0.0.9", "postgres", "a.example.com, b.example.com")

		Expect(newController().Reconcile(ctx)).To(Succeed())

		record, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Postgres.InstanceID).To(Equal("i-1"))
	})
	It("should leave an unresolvable database opaque", func() {
		addIngress("app-a", "a.example.com")
		addDbConfig("app-a", map[string]string{"POSTGRES_HOST": "rds.amazonaws.com"})

		Expect(newController().Reconcile(ctx)).To(Succeed())

		record, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Postgres).ToNot(BeNil())
		Expect(record.Postgres.InstanceID).To(BeEmpty())
	})
	It("should apply namespace overrides from the static config", func() {
		addIngress("ingress-ns", "a.example.com")
		config.NamespaceOverrides["a.example.com"] = "real-ns"
		addDbConfig("real-ns", map[string]string{"POSTGRES_HOST": "10.0.0.5"})

		Expect(newController().Reconcile(ctx)).To(Succeed())

		record, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.Namespace).To(Equal("real-ns"))
		// The database config is read from the overridden namespace.
		Expect(record.Postgres).ToNot(BeNil())
	})
	It("should attach nodegroup defaults only when the config names a pool", func() {
		addIngress("app-a", "a.example.com")
		addIngress("app-b", "b.example.com")
		config.NodePoolDefaults["a.example.com"] = options.NodePoolDefaults{Name: "app-a-ng", Desired: 2, Min: 1, Max: 4}
		config.NodePoolDefaults["b.example.com"] = options.NodePoolDefaults{}

		Expect(newController().Reconcile(ctx)).To(Succeed())

		recordA, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(recordA.NodePool).To(Equal(&apis.NodePool{Name: "app-a-ng", DefaultDesired: 2, DefaultMin: 1, DefaultMax: 4}))

		recordB, err := reg.GetApplication(ctx, "b.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(recordB.NodePool).To(BeNil())
	})
	It("should mark a database instance shared by two apps on both records", func() {
		addIngress("app-a", "a.example.com")
		addIngress("app-b", "b.example.com")
		addDbConfig("app-a", map[string]string{"POSTGRES_HOST": "10.0.0.5"})
		addDbConfig("app-b", map[string]string{"POSTGRES_HOST": "10.0.0.5"})
		addTaggedInstance("i-1", "10.0.0.5", "postgres", "a.example.com, b.example.com")

		Expect(newController().Reconcile(ctx)).To(Succeed())

		for _, appName := range []string{"a.example.com", "b.example.com"} {
			record, err := reg.GetApplication(ctx, appName)
			Expect(err).ToNot(HaveOccurred())
			Expect(record.SharedResources.Postgres).To(HaveLen(1))
			Expect(record.SharedResources.Postgres[0].Identifier).To(Equal("i-1"))
			Expect(record.SharedResources.Postgres[0].LinkedApps).To(ConsistOf("a.example.com", "b.example.com"))
		}
	})
	It("should trust the Shared tag even when only one tenant is discovered", func() {
		addIngress("app-a", "a.example.com")
		addDbConfig("app-a", map[string]string{"POSTGRES_HOST": "10.0.0.5"})
		addSharedInstance("i-1", "10.0.0.5", "postgres", "a.example.com, b.example.com")

		Expect(newController().Reconcile(ctx)).To(Succeed())

		record, err := reg.GetApplication(ctx, "a.example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(record.SharedResources.Postgres).To(HaveLen(1))
		Expect(record.SharedResources.Postgres[0].Identifier).To(Equal("i-1"))
		Expect(record.SharedResources.Postgres[0].LinkedApps).To(ConsistOf("a.example.com", "b.example.com"))
	})
	It("should keep records whose apps vanished from the cluster", func() {
		Expect(reg.PutApplication(ctx, &apis.ApplicationRecord{AppName: "gone.example.com", Namespace: "gone"})).To(Succeed())
		addIngress("app-a", "a.example.com")

		Expect(newController().Reconcile(ctx)).To(Succeed())

		_, err := reg.GetApplication(ctx, "gone.example.com")
		Expect(err).ToNot(HaveOccurred())
		records, err := reg.ListApplications(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(2))
	})
})
