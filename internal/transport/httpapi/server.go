// Package httpapi exposes stored cutoffs, probe history and on-demand
// discovery over HTTP, plus a websocket stream of discovery events.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/observability"
	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/storage"
)

// Submitter enqueues a discovery. Implemented by *orchestrator.Queue.
type Submitter interface {
	Submit(t orchestrator.Target) (<-chan orchestrator.QueueResult, error)
}

// Options for creating the API.
type Options struct {
	Cutoffs storage.CutoffStore
	History storage.ProbeHistoryStore // optional
	Queue   Submitter                 // optional; POST /discover answers 503 without it
	Hub     *Hub                      // optional
	Metrics *observability.Metrics    // optional

	// Targets are the configured labs, looked up by market when a discover
	// request names neither lab nor template.
	Targets []orchestrator.Target

	Logger *zap.Logger
}

// API holds the handlers.
type API struct {
	cutoffs storage.CutoffStore
	history storage.ProbeHistoryStore
	queue   Submitter
	hub     *Hub
	metrics *observability.Metrics
	targets map[string]orchestrator.Target
	logger  *zap.Logger
	started time.Time
}

// New creates the API.
func New(opts Options) *API {
	a := &API{
		cutoffs: opts.Cutoffs,
		history: opts.History,
		queue:   opts.Queue,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		targets: make(map[string]orchestrator.Target, len(opts.Targets)),
		logger:  opts.Logger,
		started: time.Now(),
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	for _, t := range opts.Targets {
		a.targets[t.Market.ID()] = t
	}
	return a
}

// Router builds the gin engine with every route registered.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())
	a.Register(r)
	return r
}

// Register adds the routes to r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/healthz", a.health)
	r.GET("/cutoffs", a.listCutoffs)
	r.GET("/cutoffs/:market", a.getCutoff)
	r.GET("/cutoffs/:market/probes", a.listProbes)
	r.POST("/discover", a.discover)
	if a.hub != nil {
		r.GET("/ws/events", gin.WrapF(a.hub.ServeWS))
	}
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(a.started).Round(time.Second).String(),
	})
}

// cutoffResponse is the wire form of a stored cutoff.
type cutoffResponse struct {
	Market         string    `json:"market"`
	CutoffDate     time.Time `json:"cutoff_date"`
	PrecisionHours int64     `json:"precision_hours"`
	DiscoveredAt   time.Time `json:"discovered_at"`
	SourceLabID    string    `json:"source_lab_id"`
	Degraded       bool      `json:"degraded"`
}

func toCutoffResponse(rec *domain.CutoffRecord) cutoffResponse {
	return cutoffResponse{
		Market:         rec.MarketID,
		CutoffDate:     rec.CutoffDate.UTC(),
		PrecisionHours: rec.PrecisionHours,
		DiscoveredAt:   rec.DiscoveredAt.UTC(),
		SourceLabID:    rec.SourceLabID,
		Degraded:       rec.Degraded,
	}
}

func (a *API) listCutoffs(c *gin.Context) {
	recs, err := a.cutoffs.List(c.Request.Context())
	if err != nil {
		a.logger.Error("list cutoffs failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "list cutoffs failed")
		return
	}
	out := make([]cutoffResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toCutoffResponse(rec))
	}
	ok(c, http.StatusOK, out, map[string]any{"count": len(out)})
}

func (a *API) getCutoff(c *gin.Context) {
	market, err := domain.ParseMarket(c.Param("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := a.cutoffs.Get(c.Request.Context(), market.ID())
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "no cutoff for "+market.ID())
		return
	}
	if err != nil {
		a.logger.Error("get cutoff failed", zap.String("market", market.ID()), zap.Error(err))
		fail(c, http.StatusInternalServerError, "get cutoff failed")
		return
	}
	ok(c, http.StatusOK, toCutoffResponse(rec), nil)
}

type probeResponse struct {
	ProbeID     string    `json:"probe_id"`
	LabID       string    `json:"lab_id"`
	Period      string    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	Detail      string    `json:"detail,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

func (a *API) listProbes(c *gin.Context) {
	if a.history == nil {
		fail(c, http.StatusServiceUnavailable, "probe history disabled")
		return
	}
	market, err := domain.ParseMarket(c.Param("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	recs, err := a.history.ListByMarket(c.Request.Context(), market.ID())
	if err != nil {
		a.logger.Error("list probes failed", zap.String("market", market.ID()), zap.Error(err))
		fail(c, http.StatusInternalServerError, "list probes failed")
		return
	}
	out := make([]probeResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, probeResponse{
			ProbeID:     rec.ProbeID,
			LabID:       rec.LabID,
			Period:      rec.Label,
			PeriodStart: rec.PeriodStart.UTC(),
			PeriodEnd:   rec.PeriodEnd.UTC(),
			State:       rec.State.String(),
			Attempt:     rec.Attempt,
			Detail:      rec.Detail,
			ObservedAt:  rec.ObservedAt.UTC(),
		})
	}
	ok(c, http.StatusOK, out, map[string]any{"count": len(out)})
}

type discoverRequest struct {
	Market     string `json:"market" binding:"required"`
	LabID      string `json:"lab_id"`
	TemplateID string `json:"template_id"`
	AccountID  string `json:"account_id"`
	Name       string `json:"name"`
}

type discoverResponse struct {
	Market   string          `json:"market"`
	LabID    string          `json:"lab_id"`
	Cached   bool            `json:"cached"`
	Degraded bool            `json:"degraded"`
	Reason   string          `json:"reason,omitempty"`
	Stored   bool            `json:"stored"`
	Probes   int             `json:"probes"`
	Cutoff   *cutoffResponse `json:"cutoff,omitempty"`
}

// discover enqueues a discovery. With ?wait=true the response carries the
// result; otherwise 202 is returned at once.
func (a *API) discover(c *gin.Context) {
	if a.queue == nil {
		fail(c, http.StatusServiceUnavailable, "discovery disabled")
		return
	}
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	target, err := a.resolveTarget(req)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	done, err := a.queue.Submit(target)
	switch {
	case errors.Is(err, orchestrator.ErrQueueFull):
		fail(c, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	if c.Query("wait") != "true" {
		ok(c, http.StatusAccepted, gin.H{"market": target.Market.ID(), "status": "queued"}, nil)
		return
	}

	res, err := await(c.Request.Context(), done)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		fail(c, status, err.Error())
		return
	}
	ok(c, http.StatusOK, toDiscoverResponse(res), nil)
}

func (a *API) resolveTarget(req discoverRequest) (orchestrator.Target, error) {
	market, err := domain.ParseMarket(req.Market)
	if err != nil {
		return orchestrator.Target{}, err
	}
	if req.LabID == "" && req.TemplateID == "" {
		t, found := a.targets[market.ID()]
		if !found {
			return orchestrator.Target{}, errors.New("no configured lab for " + market.ID() + "; pass lab_id or template_id")
		}
		return t, nil
	}
	return orchestrator.Target{
		LabID:      req.LabID,
		TemplateID: req.TemplateID,
		Market:     market,
		AccountID:  req.AccountID,
		Name:       req.Name,
	}, nil
}

func await(ctx context.Context, done <-chan orchestrator.QueueResult) (*orchestrator.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.Result, r.Err
	}
}

func toDiscoverResponse(res *orchestrator.Result) discoverResponse {
	out := discoverResponse{
		Market:   res.Target.Market.ID(),
		LabID:    res.Lab.ID,
		Cached:   res.Cached,
		Degraded: res.Degraded,
		Reason:   res.Reason,
		Stored:   res.Stored,
	}
	if res.Outcome != nil {
		out.Probes = res.Outcome.Probes
	}
	if res.Record != nil {
		cr := toCutoffResponse(res.Record)
		out.Cutoff = &cr
	}
	return out
}
