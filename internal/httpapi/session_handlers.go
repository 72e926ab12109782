package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"chatbridge/internal/dispatch"
	"chatbridge/internal/session"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Chat bridge API running"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"session":   snap.Phase,
		"connected": snap.Connected,
	})
}

type sendRequest struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
	ImageURL    string `json:"imageUrl"`
}

func (req sendRequest) validate() error {
	if strings.TrimSpace(req.Destination) == "" {
		return fmt.Errorf("%w: destination is required", errBadRequest)
	}
	if strings.TrimSpace(req.Message) == "" && strings.TrimSpace(req.ImageURL) == "" {
		return fmt.Errorf("%w: message is required", errBadRequest)
	}
	return nil
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if err := req.validate(); err != nil {
		fail(w, err)
		return
	}
	rc, err := s.deps.Session.SendMessage(r.Context(), strings.TrimSpace(req.Destination), session.Message{
		Text:     req.Message,
		ImageURL: strings.TrimSpace(req.ImageURL),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"destination": rc.Destination,
		"sentAt":      rc.SentAt,
	})
}

type scheduleRequest struct {
	sendRequest
	DelayMinutes *float64 `json:"delayMinutes"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if err := req.validate(); err != nil {
		fail(w, err)
		return
	}
	if req.DelayMinutes == nil || math.IsNaN(*req.DelayMinutes) || math.IsInf(*req.DelayMinutes, 0) {
		fail(w, fmt.Errorf("%w: delayMinutes is required", errBadRequest))
		return
	}
	mins := *req.DelayMinutes
	job, err := s.deps.Dispatch.Schedule(r.Context(), dispatch.Request{
		Destination: req.Destination,
		Message:     req.Message,
		ImageURL:    req.ImageURL,
		Delay:       time.Duration(mins * float64(time.Minute)),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Message scheduled to be sent in " + strconv.FormatFloat(mins, 'f', -1, 64) + " minute(s)",
		"id":      job.ID,
		"runAt":   job.RunAt,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.deps.Dispatch.Jobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Dispatch.Job(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("scheduled message not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Dispatch.Cancel(id) {
		if _, ok := s.deps.Dispatch.Job(id); ok {
			writeError(w, http.StatusConflict, fmt.Errorf("scheduled message already finished"))
			return
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("scheduled message not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Scheduled message cancelled"})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.ResetSession(r.Context()); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session reset. A new QR will be sent soon.",
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("scheduler not available"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tasks.Snapshot())
}

func (s *Server) handleMessageLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Roster.MessageLogs(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": len(logs), "data": logs})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Dispatch.Sweep(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error(), "data": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
}
