package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/engine"
	"bizsync-p2p/pkg/response"
)

type SessionHandler struct {
	engine   *engine.Engine
	profile  domain.SyncConfiguration
	validate *validator.Validate
}

// NewSessionHandler uses profile for sessions started without an explicit
// configuration.
func NewSessionHandler(e *engine.Engine, profile domain.SyncConfiguration) *SessionHandler {
	return &SessionHandler{
		engine:   e,
		profile:  profile,
		validate: validator.New(),
	}
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req domain.StartSyncRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	cfg := h.profile
	if req.Configuration != nil {
		cfg = *req.Configuration
	}

	s, err := h.engine.StartSync(r.Context(), req.DeviceIDs, cfg)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Created(w, s)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.Sessions.List()
	if sessions == nil {
		sessions = []*domain.SyncSession{}
	}
	response.Success(w, sessions)
}

func (h *SessionHandler) Active(w http.ResponseWriter, r *http.Request) {
	s, ok := h.engine.Sessions.Active()
	if !ok {
		response.NotFound(w, "No active sync session")
		return
	}
	response.Success(w, s)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, s)
}

func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Sessions.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, s)
}

func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Sessions.Pause(mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, s)
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Sessions.Resume(mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, s)
}

func (h *SessionHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.ResolveConflictRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	c, err := h.engine.Sessions.ResolveConflict(r.Context(), vars["id"], vars["conflictId"], req.Policy, req.Note)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, c)
}
