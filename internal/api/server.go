// Package api is the HTTP surface: lease/ack ingestion, campaign lookup,
// click tasks, admin endpoints, and SSE progress streams.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rotor-ads/rotor/internal/buildinfo"
	"github.com/rotor-ads/rotor/internal/clicker"
	"github.com/rotor-ads/rotor/internal/config"
	"github.com/rotor-ads/rotor/internal/jobs"
	"github.com/rotor-ads/rotor/internal/leaseengine"
	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/progress"
	"github.com/rotor-ads/rotor/internal/stock"
	"github.com/rotor-ads/rotor/internal/store"
)

// Server wires the HTTP handlers to the domain services.
type Server struct {
	cfg      *config.EnvConfig
	store    *store.Store
	engine   *leaseengine.Engine
	producer *stock.Producer
	clicker  *clicker.Service
	jobs     *jobs.Registry
	progress *progress.Registry
}

func NewServer(
	cfg *config.EnvConfig,
	st *store.Store,
	engine *leaseengine.Engine,
	producer *stock.Producer,
	ck *clicker.Service,
	registry *jobs.Registry,
	prog *progress.Registry,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		producer: producer,
		clicker:  ck,
		jobs:     registry,
		progress: prog,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/lease", s.requireUser(s.handleLease))
	mux.HandleFunc("POST /api/v1/ack", s.requireUser(s.handleAck))
	mux.HandleFunc("POST /api/v1/lease/batch", s.requireUser(s.handleLeaseBatch))
	mux.HandleFunc("POST /api/v1/ack/batch", s.requireUser(s.handleAckBatch))
	mux.HandleFunc("POST /api/v1/campaigns/lookup", s.requireUser(s.handleCampaignLookup))

	mux.HandleFunc("POST /api/v1/click-tasks", s.requireUser(s.handleClickTaskCreate))
	mux.HandleFunc("GET /api/v1/click-tasks", s.requireUser(s.handleClickTaskList))
	mux.HandleFunc("POST /api/v1/click-tasks/{id}/cancel", s.requireUser(s.handleClickTaskCancel))

	mux.HandleFunc("GET /api/v1/stock/summary", s.requireAdmin(s.handleStockSummary))
	mux.HandleFunc("GET /api/v1/stock/sweep/stream", s.requireAdmin(s.handleSweepStream))

	mux.HandleFunc("GET /api/v1/alerts", s.requireAdmin(s.handleAlertList))
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", s.requireAdmin(s.handleAlertAck))

	mux.HandleFunc("GET /api/v1/providers", s.requireAdmin(s.handleProviderList))
	mux.HandleFunc("PUT /api/v1/providers", s.requireAdmin(s.handleProviderUpsert))

	mux.HandleFunc("GET /api/v1/jobs", s.requireAdmin(s.handleJobList))
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", s.requireCronOrAdmin(s.handleJobRun))

	mux.HandleFunc("GET /api/v1/system/info", s.requireAdmin(s.handleSystemInfo))

	return s.limitBody(mux)
}

// ── health / system ──

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     buildinfo.Version,
		"gitCommit":   buildinfo.GitCommit,
		"buildTime":   buildinfo.BuildTime,
		"leasePolicy": s.cfg.LeasePolicy,
	})
}

// ── lease / ack ──

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseengine.LeaseRequest
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	res, err := s.engine.Lease(principalFrom(r).UserID, req)
	if err != nil {
		writeError(w, engineError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req leaseengine.AckRequest
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	res, err := s.engine.Ack(principalFrom(r).UserID, req)
	if err != nil {
		writeError(w, engineError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeaseBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []leaseengine.LeaseRequest `json:"requests"`
	}
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > s.cfg.MaxBatchSize {
		writeError(w, validationError(fmt.Sprintf("batch size must be 1-%d", s.cfg.MaxBatchSize)))
		return
	}
	results := s.engine.LeaseBatch(principalFrom(r).UserID, req.Requests)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleAckBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []leaseengine.AckRequest `json:"requests"`
	}
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > s.cfg.MaxBatchSize {
		writeError(w, validationError(fmt.Sprintf("batch size must be 1-%d", s.cfg.MaxBatchSize)))
		return
	}
	results := s.engine.AckBatch(principalFrom(r).UserID, req.Requests)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ── campaign lookup ──

func (s *Server) handleCampaignLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Campaigns []struct {
			CampaignID string `json:"campaignId"`
		} `json:"campaigns"`
	}
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	if len(req.Campaigns) == 0 || len(req.Campaigns) > s.cfg.MaxBatchSize {
		writeError(w, validationError(fmt.Sprintf("campaign list must be 1-%d entries", s.cfg.MaxBatchSize)))
		return
	}

	ids := make([]string, 0, len(req.Campaigns))
	for i, c := range req.Campaigns {
		if c.CampaignID == "" {
			writeError(w, validationError(fmt.Sprintf("campaigns[%d]: campaignId required", i)))
			return
		}
		ids = append(ids, c.CampaignID)
	}

	results, err := s.store.Campaigns.LookupTrackingURLs(principalFrom(r).UserID, ids)
	if err != nil {
		log.Printf("[api] campaign lookup: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	found := 0
	for _, res := range results {
		if res.Found {
			found++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"campaignResults": results,
		"stats": map[string]int{
			"requested": len(ids),
			"found":     found,
		},
	})
}

// ── click tasks ──

func (s *Server) handleClickTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampaignID   string `json:"campaignId"`
		TargetURL    string `json:"targetUrl"`
		TargetClicks int    `json:"targetClicks"`
	}
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	task, err := s.clicker.CreateTask(principalFrom(r).UserID, req.CampaignID, req.TargetURL, req.TargetClicks)
	if err != nil {
		writeError(w, validationError(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleClickTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ClickTasks.ListTasks(principalFrom(r).UserID)
	if err != nil {
		log.Printf("[api] list click tasks: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleClickTaskCancel(w http.ResponseWriter, r *http.Request) {
	err := s.clicker.Cancel(r.PathValue("id"), principalFrom(r).UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, serviceError(http.StatusNotFound, CodeNotFound, "no running task with that id"))
		return
	}
	if err != nil {
		log.Printf("[api] cancel click task: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── stock ──

func (s *Server) handleStockSummary(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Stock.AvailabilityByCampaign()
	if err != nil {
		log.Printf("[api] stock summary: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": rows})
}

// handleSweepStream runs a full stock sweep, streaming progress as SSE.
// Client disconnect cancels the sweep through the request context.
func (s *Server) handleSweepStream(w http.ResponseWriter, r *http.Request) {
	stream, err := s.progress.Open("stock_sweep", r.Context().Done())
	if errors.Is(err, progress.ErrStreamExists) {
		writeError(w, serviceError(http.StatusConflict, CodeValidationError, "a sweep is already streaming"))
		return
	}
	if err != nil {
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}

	go func() {
		stream.Publish(progress.Event{Stage: progress.StageInit})
		res, err := s.producer.Sweep(r.Context(), func(current, total int, message string) {
			stream.Publish(progress.Event{
				Stage:   progress.StageProcessing,
				Current: current,
				Total:   total,
				Message: message,
			})
		})
		if err != nil {
			stream.Fail(err)
			return
		}
		stream.Publish(progress.Event{
			Stage:   progress.StageDone,
			Current: res.Campaigns,
			Total:   res.Campaigns,
			Message: fmt.Sprintf("produced %d suffixes across %d campaigns", res.Produced, res.Campaigns),
		})
	}()

	progress.ServeSSE(w, r, stream)
}

// ── alerts ──

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	unackedOnly := r.URL.Query().Get("unacked") == "true"
	alerts, err := s.store.Alerts.List(unackedOnly, 100)
	if err != nil {
		log.Printf("[api] list alerts: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Alerts.Acknowledge(r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, serviceError(http.StatusNotFound, CodeNotFound, "unknown alert"))
			return
		}
		log.Printf("[api] ack alert: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── providers ──

// providerView is a provider row with the password withheld.
type providerView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Priority    int      `json:"priority"`
	Username    string   `json:"username"`
	Enabled     bool     `json:"enabled"`
	UserIDs     []string `json:"userIds"`
	HasPassword bool     `json:"hasPassword"`
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.Proxies.ListAll()
	if err != nil {
		log.Printf("[api] list providers: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{
			ID:          p.ID,
			Name:        p.Name,
			Host:        p.Host,
			Port:        p.Port,
			Priority:    p.Priority,
			Username:    p.Username,
			Enabled:     p.Enabled,
			UserIDs:     p.UserIDs,
			HasPassword: p.Password != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (s *Server) handleProviderUpsert(w http.ResponseWriter, r *http.Request) {
	var req model.ProxyProvider
	if serr := decodeBody(r, &req); serr != nil {
		writeError(w, serr)
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, validationError("host and a valid port are required"))
		return
	}
	if err := s.store.Proxies.Upsert(&req); err != nil {
		log.Printf("[api] upsert provider: %v", err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID})
}

// ── jobs ──

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List()})
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	run, err := s.jobs.Execute(r.Context(), name)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		writeError(w, serviceError(http.StatusNotFound, CodeNotFound, "unknown job "+name))
		return
	case errors.Is(err, jobs.ErrAlreadyRunning):
		writeError(w, serviceError(http.StatusConflict, CodeValidationError, "job already running"))
		return
	case err != nil:
		log.Printf("[api] run job %s: %v", name, err)
		writeError(w, serviceError(http.StatusInternalServerError, CodeInternalError, "internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "run": run})
}

// ── lifecycle ──

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests for up to 10 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
