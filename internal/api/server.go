// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/config"
	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/metrics"
)

const (
	defaultPageSize = 15
	maxPageSize     = 200
	maxFailures     = 20
	probeTimeout    = 60 * time.Second
)

// Harvester runs the crawl and media stages.
type Harvester interface {
	Crawl(ctx context.Context, allowed []string) (crawler.CrawlResult, error)
	Materialize(
		ctx context.Context,
		store crawler.MediaStore,
		records []crawler.DownloadRecord,
		update crawler.UpdateFunc,
	) ([]crawler.MediaFile, error)
}

// Server wires HTTP handlers to the pipeline and stores.
type Server struct {
	router    chi.Router
	harvester Harvester
	sink      crawler.RecordSink
	media     crawler.MediaStore
	clock     crawler.Clock
	cfg       config.Config
	logger    *zap.Logger

	// busy serializes crawl and patch runs; the site is crawled by one run at a time.
	busy sync.Mutex

	mu      sync.RWMutex
	lastRun *runSummary
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	harvester Harvester,
	sink crawler.RecordSink,
	media crawler.MediaStore,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		harvester: harvester,
		sink:      sink,
		media:     media,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(probeTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", metrics.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/musics", func(r chi.Router) {
			r.With(timeoutMiddleware(probeTimeout)).Get("/", s.listMusics)
			r.Post("/crawl", s.crawl)
			r.Post("/patch", s.patch)
		})
		r.Get("/runs/latest", s.latestRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// envelope is the response body shared by the /api/v1/musics routes.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

type crawlRequest struct {
	Categories []string `json:"categories"`
}

type runSummary struct {
	Kind       string             `json:"kind"`
	RunID      string             `json:"run_id,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Categories []crawler.Category `json:"categories,omitempty"`
	Created    int                `json:"created"`
	IDs        []int64            `json:"ids,omitempty"`
	Fetched    int                `json:"fetched,omitempty"`
	Failed     int                `json:"failed,omitempty"`
	Stats      []stageSummary     `json:"stats,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type stageSummary struct {
	Stage      string           `json:"stage"`
	Input      int              `json:"input"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Retries    int              `json:"retries"`
	DurationMS int64            `json:"duration_ms"`
	Failures   []failureSummary `json:"failures,omitempty"`
}

type failureSummary struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.harvester == nil || s.sink == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !s.busy.TryLock() {
		writeError(w, http.StatusConflict, "a crawl or patch run is already in progress")
		return
	}
	defer s.busy.Unlock()

	ctx, cancel := s.runContext(r)
	defer cancel()

	summary := runSummary{Kind: "crawl", StartedAt: s.clock.Now()}
	result, crawlErr := s.harvester.Crawl(ctx, req.Categories)
	summary.RunID = result.RunID
	summary.Categories = result.Categories
	summary.Stats = summarizeStats(result.Stats)

	var ids []int64
	if rows := crawler.NewStoredRecords(result, s.clock.Now()); len(rows) > 0 {
		// The run context may already be done; partial results still land.
		persistCtx, stop := crawler.Detach(ctx, crawler.PersistTimeout)
		var err error
		ids, err = s.sink.CreateRecords(persistCtx, rows)
		stop()
		if err != nil {
			s.logger.Error("persist records failed", zap.String("run_id", result.RunID), zap.Error(err))
			summary.Error = err.Error()
			s.finish(summary)
			writeError(w, http.StatusInternalServerError, "persist records failed")
			return
		}
	}
	summary.Created = len(ids)
	summary.IDs = ids

	if crawlErr != nil {
		s.logger.Error("crawl failed", zap.String("run_id", result.RunID), zap.Error(crawlErr))
		summary.Error = crawlErr.Error()
		s.finish(summary)
		writeJSON(w, statusFor(crawlErr), envelope{Code: 1, Msg: crawlErr.Error(), Data: summary})
		return
	}
	s.finish(summary)
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: summary})
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	if !s.busy.TryLock() {
		writeError(w, http.StatusConflict, "a crawl or patch run is already in progress")
		return
	}
	defer s.busy.Unlock()

	ctx, cancel := s.runContext(r)
	defer cancel()

	rows, err := s.sink.FindRecordsNeedingMedia(ctx)
	if err != nil {
		s.logger.Error("find records needing media failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load records failed")
		return
	}
	if len(rows) == 0 {
		writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "no records need media"})
		return
	}
	records := make([]crawler.DownloadRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.DownloadRecord())
	}

	summary := runSummary{Kind: "patch", StartedAt: s.clock.Now()}
	files, matErr := s.harvester.Materialize(ctx, s.media, records, s.sink.UpdateMedia)
	for _, f := range files {
		switch f.MediaStatus {
		case crawler.MediaFetched:
			summary.Fetched++
		case crawler.MediaFailed:
			summary.Failed++
		}
	}
	if matErr != nil {
		s.logger.Error("materialize failed", zap.Error(matErr))
		summary.Error = matErr.Error()
		s.finish(summary)
		writeJSON(w, statusFor(matErr), envelope{Code: 1, Msg: matErr.Error(), Data: summary})
		return
	}
	s.finish(summary)
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: summary})
}

func (s *Server) listMusics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil || page < 0 {
		writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	size, err := intParam(q.Get("size"), defaultPageSize)
	if err != nil || size <= 0 || size > maxPageSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("size must be between 1 and %d", maxPageSize))
		return
	}
	rows, err := s.sink.Query(r.Context(), q.Get("category"), page, size)
	if err != nil {
		s.logger.Error("query records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []crawler.StoredRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: rows})
}

func (s *Server) latestRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	last := s.lastRun
	s.mu.RUnlock()
	if last == nil {
		writeError(w, http.StatusNotFound, "no run recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: last})
}

// runContext detaches the run from client disconnects so rows already
// crawled still land in the sink; CrawlTimeout bounds it instead.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if s.cfg.Server.CrawlTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Server.CrawlTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) finish(summary runSummary) {
	summary.FinishedAt = s.clock.Now()
	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
}

func summarizeStats(stats []crawler.StageStats) []stageSummary {
	out := make([]stageSummary, 0, len(stats))
	for _, st := range stats {
		sum := stageSummary{
			Stage:      st.Stage,
			Input:      st.Input,
			Succeeded:  st.Succeeded,
			Failed:     st.Failed,
			Retries:    st.Retries,
			DurationMS: st.Duration.Milliseconds(),
		}
		for i, f := range st.Failures {
			if i == maxFailures {
				break
			}
			sum.Failures = append(sum.Failures, failureSummary{TaskID: f.TaskID, Attempts: f.Attempts, Error: f.Error()})
		}
		out = append(out, sum)
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, crawler.ErrConfiguration):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Code: status, Msg: msg})
}
