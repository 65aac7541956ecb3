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

// Package workload reads and scales the Kubernetes side of an application:
// deployments, statefulsets, pods, ingresses and the common-config ConfigMap.
package workload

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"

	autoscalingv1 "k8s.io/api/autoscaling/v1"

	"github.com/mareana/eks-app-controller/pkg/apis"
)

// DbConfigMapName is the per-namespace ConfigMap that carries database
// connection details.
const DbConfigMapName = "common-config"

var neo4jURIPattern = regexp.MustCompile(`bolt://([^:/]+)(?::(\d+))?`)

// IngressApp is one application surfaced by an Ingress: its namespace, the
// hostnames it serves and the TLS secret guarding them.
type IngressApp struct {
	Namespace     string
	Hostnames     []string
	TLSSecretName string
}

// PodSummary buckets the namespace's pods by observed condition.
type PodSummary struct {
	Running       int      `json:"running"`
	Pending       int      `json:"pending"`
	Crashloop     int      `json:"crashloop"`
	Total         int      `json:"total"`
	RunningList   []string `json:"running_list,omitempty"`
	PendingList   []string `json:"pending_list,omitempty"`
	CrashloopList []string `json:"crashloop_list,omitempty"`
}

// Status summarizes the workloads of one namespace. A non-empty Warning means
// a partial probe: the pod buckets are zero because pods could not be listed.
type Status struct {
	Deployments     int        `json:"deployments"`
	StatefulSets    int        `json:"statefulsets"`
	DesiredReplicas int32      `json:"desired_replicas"`
	ReadyReplicas   int32      `json:"ready_replicas"`
	Pods            PodSummary `json:"pods"`
	Warning         string     `json:"warning,omitempty"`
}

// Scaled reports whether any workload asks for replicas.
func (s *Status) Scaled() bool {
	return s.DesiredReplicas > 0
}

type Provider struct {
	kube kubernetes.Interface
}

func NewProvider(kube kubernetes.Interface) *Provider {
	return &Provider{kube: kube}
}

// ListIngressApps derives one application per Ingress: the first served host
// names the app and the remaining rules are aliases. Ingresses that share a
// leading host merge into one app; a namespace can hold several apps.
func (p *Provider) ListIngressApps(ctx context.Context) ([]IngressApp, error) {
	ingresses, err := p.kube.NetworkingV1().Ingresses("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing ingresses, %w", err)
	}
	byLeadingHost := map[string]*IngressApp{}
	var order []string
	for _, ingress := range ingresses.Items {
		var hosts []string
		for _, rule := range ingress.Spec.Rules {
			if rule.Host != "" {
				hosts = append(hosts, rule.Host)
			}
		}
		if len(hosts) == 0 {
			continue
		}
		app, ok := byLeadingHost[hosts[0]]
		if !ok {
			app = &IngressApp{Namespace: ingress.Namespace}
			byLeadingHost[hosts[0]] = app
			order = append(order, hosts[0])
		}
		for _, host := range hosts {
			if !lo.Contains(app.Hostnames, host) {
				app.Hostnames = append(app.Hostnames, host)
			}
		}
		for _, tls := range ingress.Spec.TLS {
			if app.TLSSecretName == "" && tls.SecretName != "" {
				app.TLSSecretName = tls.SecretName
			}
		}
	}
	out := make([]IngressApp, 0, len(order))
	for _, host := range order {
		out = append(out, *byLeadingHost[host])
	}
	return out, nil
}

// DbConfig reads the common-config ConfigMap and extracts the database
// connection references. A missing ConfigMap is not an error; it just means
// the app has no self-hosted databases.
func (p *Provider) DbConfig(ctx context.Context, namespace string) (postgres, neo4j *apis.DbRef, err error) {
	configMap, err := p.kube.CoreV1().ConfigMaps(namespace).Get(ctx, DbConfigMapName, metav1.GetOptions{})
	if err != nil {
		log.FromContext(ctx).V(1).Info("no database config", "namespace", namespace, "error", err)
		return nil, nil, nil
	}
	data := configMap.Data

	host := data["POSTGRES_HOST"]
	if host == "" {
		host = data["POSTGRES_IP"]
	}
	if host != "" {
		port := int32(5432)
		if raw := data["POSTGRES_PORT"]; raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				port = int32(parsed)
			}
		}
		postgres = &apis.DbRef{
			Host:     host,
			Port:     port,
			Database: data["POSTGRES_DB"],
			User:     data["POSTGRES_USER"],
		}
	}

	if uri := data["NEO4J_URI"]; uri != "" {
		if match := neo4jURIPattern.FindStringSubmatch(uri); match != nil {
			port := int32(7687)
			if match[2] != "" {
				if parsed, err := strconv.Atoi(match[2]); err == nil {
					port = int32(parsed)
				}
			}
			user := data["NEO4J_USERNAME"]
			if user == "" {
				user = data["NEO4J_USER"]
			}
			neo4j = &apis.DbRef{Host: match[1], Port: port, User: user}
		}
	}
	return postgres, neo4j, nil
}

// Get summarizes the namespace's workloads and pods.
func (p *Provider) Get(ctx context.Context, namespace string) (*Status, error) {
	status := &Status{}
	deployments, err := p.kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments in %q, %w", namespace, err)
	}
	for _, deployment := range deployments.Items {
		status.Deployments++
		if deployment.Spec.Replicas != nil {
			status.DesiredReplicas += *deployment.Spec.Replicas
		}
		status.ReadyReplicas += deployment.Status.ReadyReplicas
	}
	statefulsets, err := p.kube.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing statefulsets in %q, %w", namespace, err)
	}
	for _, statefulset := range statefulsets.Items {
		status.StatefulSets++
		if statefulset.Spec.Replicas != nil {
			status.DesiredReplicas += *statefulset.Spec.Replicas
		}
		status.ReadyReplicas += statefulset.Status.ReadyReplicas
	}
	pods, err := p.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		// The workload counts gathered above are still useful; report zero
		// pod buckets and carry the degradation to the caller.
		log.FromContext(ctx).Error(err, "listing pods", "namespace", namespace)
		status.Warning = fmt.Sprintf("pods unavailable: %v", err)
		return status, nil
	}
	for _, pod := range pods.Items {
		status.Pods.Total++
		switch {
		case crashlooping(&pod):
			status.Pods.Crashloop++
			status.Pods.CrashloopList = append(status.Pods.CrashloopList, pod.Name)
		case pod.Status.Phase == corev1.PodRunning:
			status.Pods.Running++
			status.Pods.RunningList = append(status.Pods.RunningList, pod.Name)
		case pod.Status.Phase == corev1.PodPending:
			status.Pods.Pending++
			status.Pods.PendingList = append(status.Pods.PendingList, pod.Name)
		}
	}
	return status, nil
}

func crashlooping(pod *corev1.Pod) bool {
	for _, container := range pod.Status.ContainerStatuses {
		if waiting := container.State.Waiting; waiting != nil && waiting.Reason == "CrashLoopBackOff" {
			return true
		}
	}
	return false
}

// ReadyNodeCount counts the Ready nodes belonging to one managed nodegroup.
func (p *Provider) ReadyNodeCount(ctx context.Context, nodegroupName string) (int32, error) {
	nodes, err := p.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("eks.amazonaws.com/nodegroup=%s", nodegroupName),
	})
	if err != nil {
		return 0, fmt.Errorf("listing nodes for nodegroup %q, %w", nodegroupName, err)
	}
	var ready int32
	for _, node := range nodes.Items {
		for _, condition := range node.Status.Conditions {
			if condition.Type == corev1.NodeReady && condition.Status == corev1.ConditionTrue {
				ready++
			}
		}
	}
	return ready, nil
}

// Scale is the current replica ask of one deployment or statefulset.
type Scale struct {
	Kind     string
	Name     string
	Replicas int32
}

// ListScales returns the replica counts of every deployment and statefulset
// in the namespace.
func (p *Provider) ListScales(ctx context.Context, namespace string) ([]Scale, error) {
	var scales []Scale
	deployments, err := p.kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments in %q, %w", namespace, err)
	}
	for _, deployment := range deployments.Items {
		replicas := int32(0)
		if deployment.Spec.Replicas != nil {
			replicas = *deployment.Spec.Replicas
		}
		scales = append(scales, Scale{Kind: "deployment", Name: deployment.Name, Replicas: replicas})
	}
	statefulsets, err := p.kube.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing statefulsets in %q, %w", namespace, err)
	}
	for _, statefulset := range statefulsets.Items {
		replicas := int32(0)
		if statefulset.Spec.Replicas != nil {
			replicas = *statefulset.Spec.Replicas
		}
		scales = append(scales, Scale{Kind: "statefulset", Name: statefulset.Name, Replicas: replicas})
	}
	return scales, nil
}

// ScaleUp sets every deployment and statefulset in the namespace to at least
// one replica. Workloads already above one keep their current count.
func (p *Provider) ScaleUp(ctx context.Context, namespace string) error {
	return p.scale(ctx, namespace, func(current int32) int32 {
		if current < 1 {
			return 1
		}
		return current
	})
}

// ScaleDown sets every deployment and statefulset in the namespace to zero.
func (p *Provider) ScaleDown(ctx context.Context, namespace string) error {
	return p.scale(ctx, namespace, func(int32) int32 { return 0 })
}

func (p *Provider) scale(ctx context.Context, namespace string, target func(current int32) int32) error {
	deployments, err := p.kube.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing deployments in %q, %w", namespace, err)
	}
	for _, deployment := range deployments.Items {
		current := int32(0)
		if deployment.Spec.Replicas != nil {
			current = *deployment.Spec.Replicas
		}
		replicas := target(current)
		if replicas == current {
			continue
		}
		if _, err := p.kube.AppsV1().Deployments(namespace).UpdateScale(ctx, deployment.Name, &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: deployment.Name, Namespace: namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("scaling deployment %s/%s to %d, %w", namespace, deployment.Name, replicas, err)
		}
	}
	statefulsets, err := p.kube.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing statefulsets in %q, %w", namespace, err)
	}
	for _, statefulset := range statefulsets.Items {
		current := int32(0)
		if statefulset.Spec.Replicas != nil {
			current = *statefulset.Spec.Replicas
		}
		replicas := target(current)
		if replicas == current {
			continue
		}
		if _, err := p.kube.AppsV1().StatefulSets(namespace).UpdateScale(ctx, statefulset.Name, &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: statefulset.Name, Namespace: namespace},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("scaling statefulset %s/%s to %d, %w", namespace, statefulset.Name, replicas, err)
		}
	}
	return nil
}

// CertificateExpiry reads the TLS secret and returns the leaf certificate's
// notAfter. Returns the zero time when the secret or certificate is absent.
func (p *Provider) CertificateExpiry(ctx context.Context, namespace, secretName string) (time.Time, error) {
	if secretName == "" {
		return time.Time{}, nil
	}
	secret, err := p.kube.CoreV1().Secrets(namespace).Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("getting tls secret %s/%s, %w", namespace, secretName, err)
	}
	block, _ := pem.Decode(secret.Data[corev1.TLSCertKey])
	if block == nil {
		return time.Time{}, fmt.Errorf("tls secret %s/%s has no pem certificate", namespace, secretName)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing certificate in %s/%s, %w", namespace, secretName, err)
	}
	return cert.NotAfter, nil
}
