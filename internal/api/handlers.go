package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/numberforty/legal-case-pro/internal/bridge"
	"github.com/numberforty/legal-case-pro/internal/domain"
)

const maxBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusResponse is the connection snapshot plus an optional probe outcome.
type statusResponse struct {
	domain.ConnectionStatus
	CheckError string `json:"checkError,omitempty"`
}

// handleGetStatus returns the current snapshot. With ?probe=true the live
// session is pinged first; a failed probe is reported alongside the last
// known status rather than replacing it.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("probe") == "true" {
		st, err := s.manager.CheckConnection(r.Context())
		resp := statusResponse{ConnectionStatus: st}
		if err != nil {
			resp.CheckError = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ConnectionStatus: s.manager.GetStatus()})
}

// handleInitialize starts connecting in the background and acks immediately;
// pairing can take minutes and must not hold an HTTP request open.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	st := s.manager.GetStatus()
	if st.IsReady || st.IsConnecting {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "already connecting or connected",
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := bridge.InitializeWithRetry(ctx, s.manager, s.maxInitAttempts, s.logger); err != nil {
			s.logger.Error("background initialization failed", "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "initialization started",
	})
}

// handleRestart is synchronous: the caller wants to know the new session
// actually came up.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Restart(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "restart started"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.manager.Disconnect(ctx); err != nil {
			s.logger.Error("background disconnect failed", "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "disconnect started"})
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	ClientID    string `json:"clientId"`
	CaseID      string `json:"caseId"`
}

// handleSend submits one outbound text. A channel failure still returns the
// manual fallback link in the body.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PhoneNumber == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber and message are required")
		return
	}

	result := s.adapter.SendMessage(r.Context(), req.PhoneNumber, req.Message, req.ClientID, req.CaseID)
	if !result.Success {
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phoneNumber")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}

	limit := s.cfg.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.store.History(r.Context(), phone, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	msgs, total, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": total})
}

type updateStatusRequest struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}
	status := domain.MessageStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	if err := s.store.UpdateStatus(r.Context(), req.MessageID, status); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.engine.Compute(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// filterFromQuery reads the shared filter parameters. Dates accept RFC 3339
// or plain YYYY-MM-DD; a date-only endDate covers that whole day.
func filterFromQuery(r *http.Request) (domain.MessageFilter, error) {
	q := r.URL.Query()
	f := domain.MessageFilter{
		PhoneNumber: q.Get("phoneNumber"),
		ClientID:    q.Get("clientId"),
		CaseID:      q.Get("caseId"),
	}

	if v := q.Get("startDate"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			return f, err
		}
		f.Start = &t
	}
	if v := q.Get("endDate"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			return f, err
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Second)
		}
		f.End = &t
	}
	return f, nil
}

func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", v)
}
