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

// Package webserver exposes the REST control API. The server is stateless:
// identity comes from the registry and every runtime value is probed live.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/apis"
	"github.com/mareana/eks-app-controller/pkg/lifecycle"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
	"github.com/mareana/eks-app-controller/pkg/registry"
	"github.com/mareana/eks-app-controller/pkg/status"
)

// listProbeConcurrency bounds parallel snapshots during GET /apps.
const listProbeConcurrency = 8

type Server struct {
	registry     *registry.Registry
	aggregator   *status.Aggregator
	quick        *status.QuickChecker
	orchestrator *lifecycle.Orchestrator
	config       *options.StaticConfig
	port         int
}

func NewServer(reg *registry.Registry, aggregator *status.Aggregator, quick *status.QuickChecker,
	orchestrator *lifecycle.Orchestrator, config *options.StaticConfig, port int) *Server {
	return &Server{
		registry:     reg,
		aggregator:   aggregator,
		quick:        quick,
		orchestrator: orchestrator,
		config:       config,
		port:         port,
	}
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/apps", s.listApps)
	router.Get("/apps/{name}", s.getApp)
	router.Post("/start", s.start)
	router.Post("/stop", s.stop)
	router.Post("/db/start", s.dbStart)
	router.Post("/db/stop", s.dbStop)
	router.Get("/status/quick", s.quickStatus)
	router.Get("/apps/{name}/schedule", s.getSchedule)
	router.Post("/apps/{name}/schedule/enable", s.enableSchedule)
	router.Get("/apps/{name}/cost", s.getCost)
	router.Get("/apps/{name}/operations", s.listOperations)
	return router
}

// ListenAndServe blocks until the context ends, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.ListApplications(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	views := make([]ComposedView, len(records))
	grp, ctx := errgroup.WithContext(r.Context())
	grp.SetLimit(listProbeConcurrency)
	for i, record := range records {
		grp.Go(func() error {
			views[i] = compose(record, s.aggregator.Quick(ctx, record))
			return nil
		})
	}
	_ = grp.Wait()
	respond(w, http.StatusOK, map[string]interface{}{"apps": views})
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	record, err := s.registry.GetApplication(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.registryError(w, r, err)
		return
	}
	respond(w, http.StatusOK, compose(record, s.aggregator.Quick(r.Context(), record)))
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppName string `json:"app_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AppName == "" {
		respondError(w, http.StatusBadRequest, "app_name is required")
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"
	summary, err := s.orchestrator.Start(r.Context(), body.AppName, dryRun, apis.SourceUser)
	if err != nil {
		s.registryError(w, r, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppName string `json:"app_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AppName == "" {
		respondError(w, http.StatusBadRequest, "app_name is required")
		return
	}
	summary, err := s.orchestrator.Stop(r.Context(), body.AppName, apis.SourceUser)
	if err != nil {
		s.registryError(w, r, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

type dbRequest struct {
	App  string      `json:"app"`
	Type apis.DbType `json:"type"`
}

func decodeDbRequest(r *http.Request) (*dbRequest, error) {
	var body dbRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	if body.App == "" {
		return nil, fmt.Errorf("app is required")
	}
	if body.Type != apis.DbTypePostgres && body.Type != apis.DbTypeNeo4j {
		return nil, fmt.Errorf("type must be postgres or neo4j")
	}
	return &body, nil
}

func (s *Server) dbStart(w http.ResponseWriter, r *http.Request) {
	body, err := decodeDbRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.orchestrator.DbStart(r.Context(), body.App, body.Type)
	if err != nil {
		s.registryError(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) dbStop(w http.ResponseWriter, r *http.Request) {
	body, err := decodeDbRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.orchestrator.DbStop(r.Context(), body.App, body.Type)
	if err != nil {
		s.registryError(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) quickStatus(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("app")
	if appName == "" {
		respondError(w, http.StatusBadRequest, "app query parameter is required")
		return
	}
	respond(w, http.StatusOK, s.quick.Check(r.Context(), appName))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "name")
	enabled := false
	record, err := s.registry.GetSchedule(r.Context(), appName)
	if err == nil {
		enabled = record.Enabled
	} else if !errors.Is(err, registry.ErrNotFound) {
		s.internalError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"app":      appName,
		"enabled":  enabled,
		"on":       s.config.Schedule.StartTime,
		"off":      s.config.Schedule.StopTime,
		"weekdays": s.config.Schedule.WeekdaysStart,
		"source":   "global",
	})
}

func (s *Server) enableSchedule(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "name")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.PutSchedule(r.Context(), &apis.ScheduleRecord{AppName: appName, Enabled: body.Enabled}); err != nil {
		s.internalError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"app": appName, "enabled": body.Enabled})
}

func (s *Server) getCost(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.registry.GetLatestCost(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, registry.ErrNotFound) {
		respond(w, http.StatusOK, map[string]interface{}{})
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respond(w, http.StatusOK, snapshot)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.ListOperations(r.Context(), chi.URLParam(r, "name"), 50)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"operations": entries})
}

func (s *Server) registryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		respondError(w, http.StatusNotFound, "application not found")
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.FromContext(r.Context()).Error(err, "request failed", "path", r.URL.Path)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func respond(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respond(w, code, map[string]string{"error": message})
}
