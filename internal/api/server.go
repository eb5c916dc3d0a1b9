// Package api serves the race over HTTP: state and control endpoints, the
// audit report, exports, charts and a server-sent event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/engine"
	"github.com/banshee-data/mindrace/internal/httputil"
	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/supplier"
	"github.com/banshee-data/mindrace/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SessionStore lists stored races. *db.DB implements it.
type SessionStore interface {
	ListSessions(ctx context.Context, limit int) ([]db.Session, error)
	GetSession(ctx context.Context, id string) (db.Session, error)
	SessionTicks(ctx context.Context, id string) ([]db.TickRow, error)
	SessionAnomalies(ctx context.Context, id string) ([]db.AnomalyRow, error)
}

type Server struct {
	session *engine.Session
	runner  *engine.Runner
	store   SessionStore

	// BaseContext is the parent of the runner started by POST /api/start.
	// Request contexts end with the request, so they cannot be used.
	BaseContext context.Context
}

// NewServer returns a server for session. store may be nil, in which case
// the session history endpoints return empty lists.
func NewServer(session *engine.Session, runner *engine.Runner, store SessionStore) *Server {
	return &Server{
		session:     session,
		runner:      runner,
		store:       store,
		BaseContext: context.Background(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/start", s.startRace)
	mux.HandleFunc("/api/stop", s.stopRace)
	mux.HandleFunc("/api/reset", s.resetRace)
	mux.HandleFunc("/api/tick", s.tickOnce)
	mux.HandleFunc("/api/multiplier", s.setMultiplier)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/anomalies", s.listAnomalies)
	mux.HandleFunc("/api/export/blocks.csv", s.exportBlocksCSV)
	mux.HandleFunc("/api/export/bits.csv", s.exportBitsCSV)
	mux.HandleFunc("/api/export/blocks.xlsx", s.exportBlocksXLSX)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/charts/race", s.raceChart)
	mux.HandleFunc("/api/plots/entropy.png", s.entropyPlot)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/", s.showSession)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	SessionID  string           `json:"session_id"`
	Running    bool             `json:"running"`
	Multiplier float64          `json:"multiplier"`
	BlockSize  int              `json:"block_size"`
	Source     string           `json:"source"`
	Supplier   *supplier.Status `json:"supplier,omitempty"`
	Race       race.Snapshot    `json:"race"`
}

func (s *Server) state() StateResponse {
	resp := StateResponse{
		SessionID:  s.session.ID(),
		Running:    s.runner != nil && s.runner.IsRunning(),
		Multiplier: s.session.Multiplier(),
		BlockSize:  s.session.BlockSize(),
		Source:     s.session.SupplierName(),
		Race:       s.session.Snapshot(),
	}
	if st, ok := s.session.SupplierStatus(); ok {
		resp.Supplier = &st
	}
	return resp
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.state())
}

func (s *Server) startRace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runner == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "race runner not configured")
		return
	}
	if s.session.Snapshot().Winner != race.NoWinner {
		httputil.WriteJSONError(w, http.StatusConflict, "race is finished; reset to start again")
		return
	}
	if err := s.runner.Start(s.BaseContext); err != nil {
		if errors.Is(err, engine.ErrRunning) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.state())
}

func (s *Server) stopRace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runner != nil {
		s.runner.Stop()
	}
	httputil.WriteJSONOK(w, s.state())
}

func (s *Server) resetRace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runner != nil {
		s.runner.Stop()
	}
	s.session.Reset(r.Context())
	httputil.WriteJSONOK(w, s.state())
}

func (s *Server) tickOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runner != nil && s.runner.IsRunning() {
		httputil.WriteJSONError(w, http.StatusConflict, "race is running; stop it before ticking manually")
		return
	}
	out, err := s.session.Tick(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bitblock.ErrInvalidInput) || errors.Is(err, supplier.ErrSupplierUnavailable) {
			status = http.StatusBadGateway
		}
		httputil.WriteJSONError(w, status, fmt.Sprintf("tick failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, out)
}

// multiplierRequest is the JSON body accepted by /api/multiplier.
type multiplierRequest struct {
	Multiplier *float64 `json:"multiplier"`
}

func (s *Server) setMultiplier(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	m, err := parseMultiplier(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.session.SetMultiplier(m); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]float64{"multiplier": s.session.Multiplier()})
}

// parseMultiplier reads the multiplier from a JSON body or, for any other
// content type, from the form or query string.
func parseMultiplier(r *http.Request) (float64, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req multiplierRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			return 0, err
		}
		if req.Multiplier == nil {
			return 0, errors.New("missing 'multiplier' field")
		}
		return *req.Multiplier, nil
	}
	raw := strings.TrimSpace(r.FormValue("multiplier"))
	if raw == "" {
		return 0, errors.New("missing 'multiplier' parameter")
	}
	m, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid 'multiplier' parameter %q", raw)
	}
	return m, nil
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
