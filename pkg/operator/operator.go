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

// Package operator wires the controller together: configuration, clients,
// providers, the orchestrator and the background loops.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/aws"
	"github.com/mareana/eks-app-controller/pkg/controllers/cost"
	"github.com/mareana/eks-app-controller/pkg/controllers/discovery"
	"github.com/mareana/eks-app-controller/pkg/controllers/health"
	"github.com/mareana/eks-app-controller/pkg/controllers/scheduler"
	"github.com/mareana/eks-app-controller/pkg/lease"
	"github.com/mareana/eks-app-controller/pkg/lifecycle"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/providers/httpprobe"
	"github.com/mareana/eks-app-controller/pkg/providers/instance"
	"github.com/mareana/eks-app-controller/pkg/providers/nodegroup"
	"github.com/mareana/eks-app-controller/pkg/providers/workload"
	"github.com/mareana/eks-app-controller/pkg/registry"
	"github.com/mareana/eks-app-controller/pkg/status"
	"github.com/mareana/eks-app-controller/pkg/webserver"
)

type Operator struct {
	Options *options.Options
	Config  *options.StaticConfig

	Registry     *registry.Registry
	Orchestrator *lifecycle.Orchestrator
	Aggregator   *status.Aggregator
	Quick        *status.QuickChecker

	Discovery *discovery.Controller
	Health    *health.Controller
	Scheduler *scheduler.Controller
	Cost      *cost.Controller
	Server    *webserver.Server
}

// New builds the full dependency graph from parsed options. The returned
// context carries the options and the configured logger.
func New(ctx context.Context, opts *options.Options) (context.Context, *Operator, error) {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return ctx, nil, fmt.Errorf("building logger, %w", err)
	}
	logger := zapr.NewLogger(zapLogger)
	log.SetLogger(logger)
	ctx = log.IntoContext(opts.ToContext(ctx), logger)

	config, err := options.LoadStaticConfig(opts.ConfigFile)
	if err != nil {
		return ctx, nil, err
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return ctx, nil, fmt.Errorf("loading kubeconfig, %w", err)
	}
	restConfig.QPS = float32(opts.KubeClientQPS)
	restConfig.Burst = opts.KubeClientBurst
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return ctx, nil, fmt.Errorf("building kube client, %w", err)
	}

	awsClients, err := aws.NewClients(ctx, opts.Region)
	if err != nil {
		return ctx, nil, err
	}

	reg := registry.New(awsClients.DynamoDB, opts.TableName)
	instances := instance.NewProvider(awsClients.EC2)
	nodegroups := nodegroup.NewProvider(awsClients.EKS, opts.ClusterName)
	workloads := workload.NewProvider(kubeClient)
	prober := httpprobe.NewProber(opts.HTTPProbeTimeout)
	quick := status.NewQuickChecker(reg, httpprobe.NewProber(opts.QuickTimeout))
	aggregator := status.NewAggregator(reg, instances, nodegroups, workloads, prober, opts.StatusDeadline)

	realClock := clock.RealClock{}
	leases := lease.NewManager(reg, opts.LeaseTTL, opts.LeaseRetries, realClock)
	orchestrator := lifecycle.NewOrchestrator(reg, instances, nodegroups, workloads, prober, leases, quick, realClock, opts.OpLogRetention)

	return ctx, &Operator{
		Options:      opts,
		Config:       config,
		Registry:     reg,
		Orchestrator: orchestrator,
		Aggregator:   aggregator,
		Quick:        quick,
		Discovery:    discovery.NewController(reg, workloads, instances, config, opts),
		Health:       health.NewController(reg, aggregator, opts.HealthInterval),
		Scheduler:    scheduler.NewController(reg, orchestrator, quick, config, opts.ScheduleInterval, realClock),
		Cost:         cost.NewController(reg, instances, nodegroups, awsClients.Pricing, opts.Region, opts.CostInterval),
		Server:       webserver.NewServer(reg, aggregator, quick, orchestrator, config, opts.APIPort),
	}, nil
}

// Start runs every loop and the API server until the context ends.
func (o *Operator) Start(ctx context.Context) error {
	go o.Discovery.Start(ctx)
	go o.Health.Start(ctx)
	go o.Scheduler.Start(ctx)
	go o.Cost.Start(ctx)
	go o.serveMetrics(ctx)
	return o.Server.ListenAndServe(ctx)
}

func (o *Operator) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.Options.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.FromContext(ctx).Error(err, "metrics server failed")
	}
}
