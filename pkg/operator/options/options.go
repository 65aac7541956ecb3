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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/mareana/eks-app-controller/pkg/utils"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	APIPort         int
	MetricsPort     int
	KubeClientQPS   int
	KubeClientBurst int
	// AWS
	Region          string
	ClusterName     string
	TableName       string
	AppTagKey       string
	ComponentTagKey string
	SharedTagKey    string
	// Static configuration file (namespace overrides, nodegroup defaults,
	// global schedule windows)
	ConfigFile string
	// Loop cadences
	DiscoveryInterval time.Duration
	HealthInterval    time.Duration
	ScheduleInterval  time.Duration
	CostInterval      time.Duration
	// Probe and lease budgets
	StatusDeadline   time.Duration
	HTTPProbeTimeout time.Duration
	QuickTimeout     time.Duration
	LeaseTTL         time.Duration
	LeaseRetries     int
	OpLogRetention   time.Duration
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("eks-app-controller", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.APIPort, "api-port", utils.WithDefaultInt("API_PORT", 8080), "The port the REST control API binds to")
	f.IntVar(&opts.MetricsPort, "metrics-port", utils.WithDefaultInt("METRICS_PORT", 8081), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.KubeClientQPS, "kube-client-qps", utils.WithDefaultInt("KUBE_CLIENT_QPS", 200), "The smoothed rate of qps to kube-apiserver")
	f.IntVar(&opts.KubeClientBurst, "kube-client-burst", utils.WithDefaultInt("KUBE_CLIENT_BURST", 300), "The maximum allowed burst of queries to the kube-apiserver")

	f.StringVar(&opts.Region, "region", utils.WithDefaultString("AWS_REGION", ""), "The AWS region the cluster and databases run in")
	f.StringVar(&opts.ClusterName, "cluster-name", utils.WithDefaultString("CLUSTER_NAME", ""), "The EKS cluster name whose nodegroups are managed")
	f.StringVar(&opts.TableName, "table-name", utils.WithDefaultString("TABLE_NAME", ""), "The DynamoDB registry table name")
	f.StringVar(&opts.AppTagKey, "app-tag-key", utils.WithDefaultString("APP_TAG_KEY", "AppName"), "The tag key that links cloud resources to applications")
	f.StringVar(&opts.ComponentTagKey, "component-tag-key", utils.WithDefaultString("COMPONENT_TAG_KEY", "Component"), "The tag key that identifies a resource as postgres, neo4j or nodegroup")
	f.StringVar(&opts.SharedTagKey, "shared-tag-key", utils.WithDefaultString("SHARED_TAG_KEY", "Shared"), "The tag key that marks a resource as shared between applications")
	f.StringVar(&opts.ConfigFile, "config-file", utils.WithDefaultString("CONFIG_FILE", ""), "Path to the static configuration file with namespace overrides, nodegroup defaults and the global schedule")

	f.DurationVar(&opts.DiscoveryInterval, "discovery-interval", utils.WithDefaultDuration("DISCOVERY_INTERVAL", 2*time.Hour), "How often the discovery reconciler rescans the cluster")
	f.DurationVar(&opts.HealthInterval, "health-interval", utils.WithDefaultDuration("HEALTH_INTERVAL", 5*time.Minute), "How often the health monitor refreshes informational component states")
	f.DurationVar(&opts.ScheduleInterval, "schedule-interval", utils.WithDefaultDuration("SCHEDULE_INTERVAL", 5*time.Minute), "How often the schedule evaluator ticks")
	f.DurationVar(&opts.CostInterval, "cost-interval", utils.WithDefaultDuration("COST_INTERVAL", 24*time.Hour), "How often the cost tracker snapshots per-app spend")

	f.DurationVar(&opts.StatusDeadline, "status-deadline", utils.WithDefaultDuration("STATUS_DEADLINE", 8*time.Second), "The overall deadline for one quick status aggregation")
	f.DurationVar(&opts.HTTPProbeTimeout, "http-probe-timeout", utils.WithDefaultDuration("HTTP_PROBE_TIMEOUT", 5*time.Second), "The per-request timeout for HTTP liveness probes")
	f.DurationVar(&opts.QuickTimeout, "quick-timeout", utils.WithDefaultDuration("QUICK_TIMEOUT", 3*time.Second), "The timeout for the single-HEAD quick status probe")
	f.DurationVar(&opts.LeaseTTL, "lease-ttl", utils.WithDefaultDuration("LEASE_TTL", 60*time.Second), "The lifetime of a database operation lease")
	f.IntVar(&opts.LeaseRetries, "lease-retries", utils.WithDefaultInt("LEASE_RETRIES", 3), "How many times lease acquisition retries on contention before giving up")
	f.DurationVar(&opts.OpLogRetention, "oplog-retention", utils.WithDefaultDuration("OPLOG_RETENTION", 90*24*time.Hour), "How long operation log entries live before DynamoDB TTL reaps them")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.Region == "" {
		err = multierr.Append(err, fmt.Errorf("AWS_REGION is required"))
	}
	if o.ClusterName == "" {
		err = multierr.Append(err, fmt.Errorf("CLUSTER_NAME is required"))
	}
	if o.TableName == "" {
		err = multierr.Append(err, fmt.Errorf("TABLE_NAME is required"))
	}
	if o.StatusDeadline <= o.HTTPProbeTimeout {
		err = multierr.Append(err, fmt.Errorf("status-deadline must exceed http-probe-timeout"))
	}
	if o.LeaseTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("lease-ttl must be positive"))
	}
	return err
}

func (o *Options) ToContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}
