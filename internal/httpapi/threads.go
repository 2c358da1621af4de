package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/identity"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/taskruntime"
)

type instructionRequest struct {
	Text                 string `json:"task"`
	BackgroundMode       bool   `json:"background_mode"`
	ExtendedThinkingMode bool   `json:"extended_thinking_mode"`
}

type successResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "")
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, chi.URLParam(r, "id"))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, threadID string) {
	var req instructionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, apperr.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	res, err := s.service.Submit(r.Context(), principal(r).UserID, taskruntime.SubmitRequest{
		ThreadID:             threadID,
		Text:                 strings.TrimSpace(req.Text),
		BackgroundMode:       req.BackgroundMode,
		ExtendedThinkingMode: req.ExtendedThinkingMode,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.service.ThreadMessages(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, ok, err := s.service.CurrentStatus(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if !ok {
		respondErr(w, apperr.NotFound("Thread has no running task"))
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleCurrentSubtask(w http.ResponseWriter, r *http.Request) {
	var snap stepcontext.DesktopSnapshot
	if err := decodeOptional(r, &snap); err != nil {
		respondErr(w, err)
		return
	}
	resp, err := s.service.CurrentSubtask(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), snap)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDesktopStep(w http.ResponseWriter, r *http.Request) {
	var snap stepcontext.DesktopSnapshot
	if err := decodeOptional(r, &snap); err != nil {
		respondErr(w, err)
		return
	}
	out, err := s.service.DesktopStep(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), snap)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBackgroundStep(w http.ResponseWriter, r *http.Request) {
	var snap stepcontext.BrowserSnapshot
	if err := decodeOptional(r, &snap); err != nil {
		respondErr(w, err)
		return
	}
	out, err := s.service.BackgroundStep(r.Context(), principal(r).UserID, chi.URLParam(r, "id"), snap)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelTask(r.Context(), principal(r).UserID, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, successResponse{Message: "Success"})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelAll(r.Context(), principal(r).UserID); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, successResponse{Message: "Success"})
}

// principal is set by the identity middleware on every /v1/threads route.
func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}
