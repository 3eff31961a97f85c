package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cncserver/internal/domain"
	"cncserver/internal/pool"
	"cncserver/internal/runset"
)

// Router builds the control API. Everything is JSON; the metrics
// endpoint serves the given prometheus registry.
func (s *Server) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/components", func(r chi.Router) {
		r.Get("/", s.handleListComponents)
		r.Post("/", s.handleRegisterComponent)
	})

	r.Route("/runsets", func(r chi.Router) {
		r.Get("/", s.handleListRunsets)
		r.Post("/", s.handleMakeRunset)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRunset)
			r.Delete("/", s.handleBreakRunset)
			r.Post("/start", s.handleStartRun)
			r.Post("/stop", s.handleStopRun)
			r.Post("/switch", s.handleSwitchRun)
		})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{num}", s.handleGetRun)
		r.Get("/{num}/events", s.handleListRunEvents)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("http request",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pool":    s.pool.String(),
		"runsets": len(s.Runsets()),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListComponents(w http.ResponseWriter, _ *http.Request) {
	comps := s.pool.Components()
	out := make([]map[string]any, 0, len(comps))
	for _, c := range comps {
		out = append(out, map[string]any{
			"name":       c.Name,
			"num":        c.Num,
			"host":       c.Host,
			"dead_count": c.DeadCount(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterComponent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string             `json:"name"`
		Num        int                `json:"num"`
		Host       string             `json:"host"`
		Port       int                `json:"port"`
		MBeanPort  int                `json:"mbean_port"`
		Connectors []domain.Connector `json:"connectors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Host == "" || req.Port <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name, host and port are required"))
		return
	}
	if req.MBeanPort <= 0 {
		req.MBeanPort = req.Port
	}

	name := domain.ComponentName{Name: req.Name, Num: req.Num}
	c := s.RegisterComponent(name, req.Host, req.Port, req.MBeanPort, req.Connectors)
	writeJSON(w, http.StatusCreated, map[string]any{
		"component": c.Fullname(),
		"status":    "registered",
	})
}

func (s *Server) handleListRunsets(w http.ResponseWriter, _ *http.Request) {
	runsets := s.Runsets()
	out := make([]map[string]any, 0, len(runsets))
	for _, rs := range runsets {
		out = append(out, runsetView(rs))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMakeRunset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Config) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("config is required"))
		return
	}

	rs, err := s.MakeRunset(r.Context(), req.Config)
	if err != nil {
		var missing *pool.MissingComponentsError
		switch {
		case errors.Is(err, ErrUnknownConfig):
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &missing), errors.Is(err, pool.ErrStartInterrupted):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, runsetView(rs))
}

func (s *Server) handleGetRunset(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.runsetFromPath(w, r)
	if !ok {
		return
	}
	view := runsetView(rs)
	comps := rs.Components()
	list := make([]map[string]any, 0, len(comps))
	for _, c := range comps {
		list = append(list, map[string]any{
			"name":  c.Name,
			"num":   c.Num,
			"host":  c.Host,
			"order": c.Order(),
		})
	}
	view["components"] = list
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBreakRunset(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.runsetFromPath(w, r)
	if !ok {
		return
	}
	if err := s.BreakRunset(r.Context(), rs.ID()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "broken", "runset": rs.ID()})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.runsetFromPath(w, r)
	if !ok {
		return
	}
	runNumber, err := s.StartRun(r.Context(), rs.ID())
	if err != nil {
		if errors.Is(err, runset.ErrBadState) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "started", "runset": rs.ID(), "run": runNumber,
	})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.runsetFromPath(w, r)
	if !ok {
		return
	}
	if err := s.StopRun(r.Context(), rs.ID(), "api"); err != nil {
		var stuck *runset.StuckComponentsError
		switch {
		case errors.Is(err, runset.ErrBadState):
			writeError(w, http.StatusConflict, err)
		case errors.As(err, &stuck):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "runset": rs.ID()})
}

func (s *Server) handleSwitchRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.runsetFromPath(w, r)
	if !ok {
		return
	}
	runNumber, err := s.SwitchRun(r.Context(), rs.ID())
	if err != nil {
		if errors.Is(err, runset.ErrBadState) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "switched", "runset": rs.ID(), "run": runNumber,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(chi.URLParam(r, "num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run number"))
		return
	}
	run, err := s.store.GetRun(r.Context(), num)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(chi.URLParam(r, "num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run number"))
		return
	}
	limit := queryInt(r, "limit", 300)
	events, err := s.store.ListRunEvents(r.Context(), num, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) runsetFromPath(w http.ResponseWriter, r *http.Request) (*runset.RunSet, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid runset id"))
		return nil, false
	}
	rs, err := s.Runset(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return rs, true
}

func runsetView(rs *runset.RunSet) map[string]any {
	view := map[string]any{
		"id":     rs.ID(),
		"config": rs.ConfigName(),
		"state":  string(rs.State()),
	}
	if run := rs.RunNumber(); run > 0 {
		view["run"] = run
		view["health"] = rs.Health()
		if rd := rs.RunData(); rd != nil {
			events, _, _, _ := rd.EventCounts()
			view["events"] = events
			view["rate"] = rd.Rate()
		}
	}
	return view
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
