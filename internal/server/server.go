// Package server exposes the analyzer over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/analyzer"
	"github.com/Faultbox/modelstats/internal/lod"
	"github.com/Faultbox/modelstats/internal/store"
	"github.com/Faultbox/modelstats/internal/worker"
)

// MaxRequestBytes caps analyze request bodies and WebSocket frames. A URL
// plus a file map of a few hundred entries fits comfortably.
const MaxRequestBytes = 64 << 10

// History records completed analyses and answers history queries.
// *store.Store implements it.
type History interface {
	worker.Observer
	Recent(ctx context.Context, limit int) ([]store.Entry, error)
	ForURL(ctx context.Context, url string, limit int) ([]store.Entry, error)
}

// Options configure a Server.
type Options struct {
	Analyzer       worker.Analyzer
	History        History // nil disables /api/history
	Quality        lod.Quality
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server routes HTTP requests to per-request or per-connection workers.
type Server struct {
	analyzer worker.Analyzer
	history  History
	quality  lod.Quality
	origins  []string
	log      *zap.Logger

	nextID atomic.Int64
	router chi.Router
}

// New creates a server.
func New(opts Options) *Server {
	s := &Server{
		analyzer: opts.Analyzer,
		history:  opts.History,
		quality:  opts.Quality,
		origins:  opts.AllowedOrigins,
		log:      opts.Logger,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.quality == "" {
		s.quality = lod.QualityHigh
	}

	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/health", s.handleHealth)
	r.Post("/api/analyze", s.handleAnalyze)
	r.Get("/api/history", s.handleHistory)
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AnalyzeBody is the POST /api/analyze request body.
type AnalyzeBody struct {
	URL     string            `json:"url"`
	FileMap map[string]string `json:"fileMap,omitempty"`
	Quality string            `json:"quality,omitempty"`
	Device  lod.Device        `json:"device"`
}

// AnalyzeResult is the POST /api/analyze response body.
type AnalyzeResult struct {
	RequestID int64          `json:"requestId"`
	Stats     analyzer.Stats `json:"stats"`
	Advice    lod.Advice     `json:"advice"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body AnalyzeBody
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	quality := s.quality
	if body.Quality != "" {
		q, err := lod.ParseQuality(body.Quality)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		quality = q
	}

	id := s.nextID.Add(1)
	resp, err := worker.Once(r.Context(), s.analyzer, worker.AnalyzeRequest(id, body.URL, body.FileMap), s.workerOptions())
	if err != nil {
		// Client went away.
		s.log.Debug("analyze abandoned", zap.Int64("request_id", id), zap.Error(err))
		return
	}
	if resp.Type == worker.TypeError {
		writeError(w, http.StatusUnprocessableEntity, resp.Message)
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResult{
		RequestID: id,
		Stats:     *resp.Stats,
		Advice:    lod.Advise(body.URL, *resp.Stats, quality, body.Device),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var entries []store.Entry
	var err error
	if url := r.URL.Query().Get("url"); url != "" {
		entries, err = s.history.ForURL(r.Context(), url, limit)
	} else {
		entries, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		s.log.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) workerOptions() worker.Options {
	opts := worker.Options{Logger: s.log.Named("worker")}
	if s.history != nil {
		opts.Observer = s.history
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
