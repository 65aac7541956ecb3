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
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"
)

// NodePoolDefaults names an app's nodegroup and carries its authoritative
// restore targets. Live desired counts are never trusted as restore targets.
// An empty Name means the app has no nodegroup.
type NodePoolDefaults struct {
	Name    string `json:"name"`
	Desired int32  `json:"desired"`
	Min     int32  `json:"min"`
	Max     int32  `json:"max"`
}

// GlobalSchedule defines the shared auto start/stop window applied to every
// schedule-enabled app. Times are "HH:MM" wall clock in Timezone.
type GlobalSchedule struct {
	StartTime       string   `json:"startTime"`
	StopTime        string   `json:"stopTime"`
	WeekdaysStart   []string `json:"weekdaysStart"`
	WeekdaysStop    []string `json:"weekdaysStop"`
	WeekendShutdown bool     `json:"weekendShutdown"`
	Timezone        string   `json:"timezone"`
}

// StaticConfig is operator-maintained truth that discovery cannot infer from
// the cluster: hostname to namespace corrections, nodegroup scaling defaults
// and the global schedule window.
type StaticConfig struct {
	// NamespaceOverrides maps an app's canonical hostname to the namespace
	// its workloads actually live in.
	NamespaceOverrides map[string]string `json:"namespaceOverrides"`
	// NodePoolDefaults maps an app's canonical hostname to its nodegroup and
	// restore scaling targets.
	NodePoolDefaults map[string]NodePoolDefaults `json:"nodePoolDefaults"`
	Schedule         GlobalSchedule              `json:"schedule"`
}

// LoadStaticConfig reads and validates the YAML config file. An empty path
// yields an empty config with the default schedule window.
func LoadStaticConfig(path string) (*StaticConfig, error) {
	cfg := &StaticConfig{
		NamespaceOverrides: map[string]string{},
		NodePoolDefaults:   map[string]NodePoolDefaults{},
		Schedule: GlobalSchedule{
			StartTime:       "08:00",
			StopTime:        "20:00",
			WeekdaysStart:   []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
			WeekdaysStop:    []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
			WeekendShutdown: true,
			Timezone:        "Asia/Kolkata",
		},
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q, %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q, %w", path, err)
	}
	if cfg.NamespaceOverrides == nil {
		cfg.NamespaceOverrides = map[string]string{}
	}
	if cfg.NodePoolDefaults == nil {
		cfg.NodePoolDefaults = map[string]NodePoolDefaults{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %q, %w", path, err)
	}
	return cfg, nil
}

func (c *StaticConfig) Validate() (err error) {
	for host, d := range c.NodePoolDefaults {
		if d.Name == "" {
			continue
		}
		if d.Desired < 1 || d.Min < 0 || d.Max < d.Desired {
			err = multierr.Append(err, fmt.Errorf("nodegroup defaults for %q must satisfy 0 <= min, 1 <= desired <= max", host))
		}
	}
	if _, parseErr := time.LoadLocation(c.Schedule.Timezone); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("schedule timezone %q, %w", c.Schedule.Timezone, parseErr))
	}
	for _, t := range []string{c.Schedule.StartTime, c.Schedule.StopTime} {
		if _, parseErr := time.Parse("15:04", t); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("schedule time %q must be HH:MM", t))
		}
	}
	return err
}

// Location resolves the schedule timezone. Validate has already proven it
// parses.
func (c *StaticConfig) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Schedule.Timezone)
	return loc
}
