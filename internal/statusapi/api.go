// Package statusapi serves the operator HTTP API: last run reports, dedup
// store sizes and manual pipeline triggers.
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/spinwatch/internal/authmw"
	"github.com/linnemanlabs/spinwatch/internal/pipeline"
	"github.com/linnemanlabs/spinwatch/internal/scheduler"
)

// Pipeline exposes the last report of a pipeline.
type Pipeline interface {
	Name() string
	LastReport() (pipeline.RunReport, bool)
}

// Sizer reports the number of entries held by a dedup store.
type Sizer interface {
	Len() int
}

// Trigger starts and inspects scheduled jobs.
type Trigger interface {
	TryRun(name string) (bool, error)
	Running(name string) bool
}

// Deps are the collaborators of the API.
type Deps struct {
	Pipelines []Pipeline
	Stores    map[string]Sizer
	Trigger   Trigger
	// Token guards the trigger endpoint. Empty disables it.
	Token string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	deps   Deps
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Trigger == nil {
		panic(xerrors.New("statusapi: trigger is required"))
	}
	return &API{logger: logger, deps: deps}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/dedup", a.handleDedup)
		r.With(authmw.BearerToken(a.deps.Token, a.logger)).
			Post("/pipelines/{name}/run", a.handleTrigger)
	})
}

type pipelineStatus struct {
	Name    string              `json:"name"`
	Running bool                `json:"running"`
	LastRun *pipeline.RunReport `json:"last_run"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]pipelineStatus, 0, len(a.deps.Pipelines))
	for _, p := range a.deps.Pipelines {
		st := pipelineStatus{Name: p.Name(), Running: a.deps.Trigger.Running(p.Name())}
		if rep, ok := p.LastReport(); ok {
			st.LastRun = &rep
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

type storeSize struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func (a *API) handleDedup(w http.ResponseWriter, _ *http.Request) {
	out := make([]storeSize, 0, len(a.deps.Stores))
	for name, s := range a.deps.Stores {
		out = append(out, storeSize{Name: name, Entries: s.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"stores": out})
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("spinwatch.pipeline", name))

	started, err := a.deps.Trigger.TryRun(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pipeline"})
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "manual trigger failed", "pipeline", name)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	case !started:
		writeJSON(w, http.StatusConflict, map[string]any{"pipeline": name, "started": false})
		return
	}

	a.logger.Info(r.Context(), "manual run triggered", "pipeline", name)
	writeJSON(w, http.StatusAccepted, map[string]any{"pipeline": name, "started": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
