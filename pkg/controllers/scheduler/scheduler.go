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

// Package scheduler drives automated start/stop at the global schedule
// boundaries. The action window is five minutes wide and every action is
// gated on a live status check, so a boundary fires at most once.
package scheduler

import (
	"context"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/lifecycle"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/registry"
)

const (
	// actionWindow is how long after a boundary time a tick still counts as
	// "at" the boundary.
	actionWindow = 5 * time.Minute
	// userOverrideWindow suppresses a scheduled action when a user drove the
	// opposite action this recently.
	userOverrideWindow = 30 * time.Minute

	reasonStart = "scheduled ON time reached"
	reasonStop  = "scheduled OFF time reached"
)

type Controller struct {
	registry     *registry.Registry
	orchestrator *lifecycle.Orchestrator
	quick        lifecycle.QuickStatus
	schedule     options.GlobalSchedule
	location     *time.Location
	interval     time.Duration
	clock        clock.Clock
}

func NewController(reg *registry.Registry, orchestrator *lifecycle.Orchestrator, quick lifecycle.QuickStatus,
	config *options.StaticConfig, interval time.Duration, clk clock.Clock) *Controller {
	return &Controller{
		registry:     reg,
		orchestrator: orchestrator,
		quick:        quick,
		schedule:     config.Schedule,
		location:     config.Location(),
		interval:     interval,
		clock:        clk,
	}
}

func (c *Controller) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
		if err := c.Evaluate(ctx); err != nil {
			log.FromContext(ctx).Error(err, "schedule evaluation failed")
		}
	}
}

type action string

const (
	actionNone  action = ""
	actionStart action = "start"
	actionStop  action = "stop"
)

// Evaluate runs one tick: for every schedule-enabled app, decide the intended
// action at the current wall clock and submit it if the live status says it
// has not happened yet.
func (c *Controller) Evaluate(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("scheduler")
	now := c.clock.Now().In(c.location)

	schedules, err := c.registry.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for appName, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		intended := c.intendedAction(now)
		if intended == actionNone {
			continue
		}
		if c.userOverrode(ctx, appName, intended) {
			logger.Info("suppressing scheduled action after recent user override", "app", appName, "action", intended)
			continue
		}
		current := c.quick.Check(ctx, appName).Status
		switch intended {
		case actionStart:
			if current == apis.AppStatusUp {
				continue
			}
			logger.Info("scheduled start", "app", appName)
			if _, err := c.orchestrator.Start(ctx, appName, false, apis.SourceScheduler, reasonStart); err != nil {
				logger.Error(err, "scheduled start failed", "app", appName)
			}
		case actionStop:
			// An unobservable app is presumed up, so the stop proceeds.
			if current == apis.AppStatusDown {
				continue
			}
			logger.Info("scheduled stop", "app", appName)
			if _, err := c.orchestrator.Stop(ctx, appName, apis.SourceScheduler, reasonStop); err != nil {
				logger.Error(err, "scheduled stop failed", "app", appName)
			}
		}
	}
	return nil
}

// intendedAction decides what the schedule asks for at this instant: start
// within the window after start_time on a start weekday, stop within the
// window after stop_time on a stop weekday, stop any time on weekends when
// weekend shutdown is on.
func (c *Controller) intendedAction(now time.Time) action {
	weekday := now.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		if c.schedule.WeekendShutdown {
			return actionStop
		}
		return actionNone
	}
	if lo.Contains(c.schedule.WeekdaysStart, weekday.String()) && inWindow(now, c.schedule.StartTime) {
		return actionStart
	}
	if lo.Contains(c.schedule.WeekdaysStop, weekday.String()) && inWindow(now, c.schedule.StopTime) {
		return actionStop
	}
	return actionNone
}

func inWindow(now time.Time, boundary string) bool {
	parsed, err := time.Parse("15:04", boundary)
	if err != nil {
		return false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	return !now.Before(start) && now.Before(start.Add(actionWindow))
}

// userOverrode reports whether a user drove the opposite action recently
// enough that the schedule should stand down.
func (c *Controller) userOverrode(ctx context.Context, appName string, intended action) bool {
	opposite := actionStop
	if intended == actionStop {
		opposite = actionStart
	}
	entries, err := c.registry.ListOperations(ctx, appName, 10)
	if err != nil {
		return false
	}
	cutoff := c.clock.Now().Add(-userOverrideWindow).UnixNano()
	for _, entry := range entries {
		if entry.Source == apis.SourceUser && entry.Action == string(opposite) && entry.FinishedAt >= cutoff {
			return true
		}
	}
	return false
}
