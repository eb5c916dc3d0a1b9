package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/db"
	"github.com/banshee-data/mindrace/internal/export"
	"github.com/banshee-data/mindrace/internal/httputil"
	"github.com/banshee-data/mindrace/internal/monitoring"
	"github.com/banshee-data/mindrace/internal/race"
)

// ReportResponse pairs the auditor's report with the tests it flagged.
type ReportResponse struct {
	SessionID    string             `json:"session_id"`
	Significance float64            `json:"significance"`
	Report       audit.Report       `json:"report"`
	Flagged      []audit.TestResult `json:"flagged"`
}

func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rep, err := s.session.Report()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusConflict, fmt.Sprintf("no report yet: %v", err))
		return
	}
	flagged := []audit.TestResult{}
	for _, res := range rep.Results() {
		if res.Significant(audit.DefaultSignificance) {
			flagged = append(flagged, res)
		}
	}
	httputil.WriteJSONOK(w, ReportResponse{
		SessionID:    s.session.ID(),
		Significance: audit.DefaultSignificance,
		Report:       rep,
		Flagged:      flagged,
	})
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	anomalies := s.session.Anomalies()
	if anomalies == nil {
		anomalies = []audit.Anomaly{}
	}
	httputil.WriteJSONOK(w, anomalies)
}

func exportFilename(sessionID, suffix string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("mindrace-%s-%s", id, suffix)
}

// writeDownload renders into a buffer first so a failed export can still
// report a JSON error.
func (s *Server) writeDownload(w http.ResponseWriter, r *http.Request, contentType, suffix string, render func(io.Writer, race.History) error) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	var buf bytes.Buffer
	if err := render(&buf, s.session.History()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("export failed: %v", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(s.session.ID(), suffix)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := w.Write(buf.Bytes()); err != nil {
		monitoring.Logf("api: export write failed: %v", err)
	}
}

func (s *Server) exportBlocksCSV(w http.ResponseWriter, r *http.Request) {
	s.writeDownload(w, r, "text/csv; charset=utf-8", "blocks.csv", export.WriteBlocksCSV)
}

func (s *Server) exportBitsCSV(w http.ResponseWriter, r *http.Request) {
	s.writeDownload(w, r, "text/csv; charset=utf-8", "bits.csv", export.WriteBitsCSV)
}

func (s *Server) exportBlocksXLSX(w http.ResponseWriter, r *http.Request) {
	s.writeDownload(w, r, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "blocks.xlsx", export.WriteBlocksXLSX)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	if s.store == nil {
		httputil.WriteJSONOK(w, []db.Session{})
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// SessionDetail is the body of GET /api/sessions/{id}.
type SessionDetail struct {
	Session   db.Session      `json:"session"`
	Ticks     []db.TickRow    `json:"ticks"`
	Anomalies []db.AnomalyRow `json:"anomalies"`
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" {
		s.listSessions(w, r)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "no session store configured")
		return
	}
	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("session %s not found", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	detail := SessionDetail{Session: sess, Ticks: []db.TickRow{}, Anomalies: []db.AnomalyRow{}}
	if ticks, err := s.store.SessionTicks(ctx, id); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	} else if ticks != nil {
		detail.Ticks = ticks
	}
	if anomalies, err := s.store.SessionAnomalies(ctx, id); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	} else if anomalies != nil {
		detail.Anomalies = anomalies
	}
	httputil.WriteJSONOK(w, detail)
}
