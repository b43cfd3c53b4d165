package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/session"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

const progressTimeout = 3 * time.Second

// getProgress handles GET /v1/progress. It returns the login session, the
// stored record of the active or failed run, and the last finished run.
// progress and last_run are omitted when absent.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), progressTimeout)
	defer cancel()

	resp := progressResponse{
		Session: toSessionDTO(s.sessions.Session()),
		Running: s.batch.Running(),
	}
	if cur, ok := s.batch.Current(); ok {
		resp.Progress = toProgressDTO(cur)
	} else if s.progress != nil {
		rec, err := s.progress.Get(ctx, s.key)
		if err != nil {
			s.logger.Error("load progress failed", zap.String("key", s.key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load progress")
			return
		}
		if rec != nil {
			resp.Progress = toProgressDTO(*rec)
		}
	}
	if last, ok := s.batch.LastRun(); ok {
		resp.LastRun = toProgressDTO(last)
	}
	writeJSON(w, http.StatusOK, resp)
}

// clearProgress handles DELETE /v1/progress. It refuses while a run is
// active since the run would recreate the record on its next update.
func (s *Server) clearProgress(w http.ResponseWriter, r *http.Request) {
	if s.batch.Running() {
		writeError(w, http.StatusConflict, tracker.ErrBatchInProgress.Error())
		return
	}
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), progressTimeout)
	defer cancel()
	if err := s.progress.Delete(ctx, s.key); err != nil {
		s.logger.Error("clear progress failed", zap.String("key", s.key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type progressResponse struct {
	Session  sessionDTO   `json:"session"`
	Running  bool         `json:"running"`
	Progress *progressDTO `json:"progress,omitempty"`
	LastRun  *progressDTO `json:"last_run,omitempty"`
}

type sessionDTO struct {
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type progressDTO struct {
	RunID       string     `json:"run_id,omitempty"`
	LoginState  string     `json:"login_state,omitempty"`
	UpdateState string     `json:"update_state"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Done        int        `json:"done"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastUpdate  *time.Time `json:"last_update,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func toSessionDTO(s tracker.Session) sessionDTO {
	dto := sessionDTO{
		State:     string(s.State),
		CreatedAt: s.CreatedAt,
		Error:     s.Error,
	}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt
		dto.ExpiresAt = &exp
	}
	if s.PhoneNumber != "" {
		dto.Phone = session.MaskPhone(s.PhoneNumber)
	}
	return dto
}

func toProgressDTO(p tracker.Progress) *progressDTO {
	return &progressDTO{
		RunID:       p.RunID,
		LoginState:  string(p.LoginState),
		UpdateState: string(p.UpdateState),
		Total:       p.Total,
		Processed:   p.Processed,
		Failed:      p.Failed,
		Done:        p.Done(),
		StartedAt:   p.StartedAt,
		LastUpdate:  p.LastUpdate,
		Error:       p.Error,
	}
}
