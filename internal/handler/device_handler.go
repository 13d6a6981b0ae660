package handler

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/engine"
	"bizsync-p2p/pkg/response"
)

type DeviceHandler struct {
	engine   *engine.Engine
	validate *validator.Validate
}

func NewDeviceHandler(e *engine.Engine) *DeviceHandler {
	return &DeviceHandler{
		engine:   e,
		validate: validator.New(),
	}
}

func (h *DeviceHandler) Self(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.engine.Self())
}

// List returns known devices. ?filter=paired|discovered narrows the list.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	var devices []domain.DeviceInfo
	switch r.URL.Query().Get("filter") {
	case "paired":
		devices = h.engine.Registry.ListPaired()
	case "discovered":
		devices = h.engine.Registry.ListDiscovered()
	case "", "all":
		devices = append(h.engine.Registry.ListPaired(), h.engine.Registry.ListDiscovered()...)
	default:
		response.BadRequest(w, "filter must be paired, discovered or all")
		return
	}
	if devices == nil {
		devices = []domain.DeviceInfo{}
	}
	response.Success(w, devices)
}

func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.engine.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, device)
}

func (h *DeviceHandler) Discover(w http.ResponseWriter, r *http.Request) {
	var req domain.DiscoverRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	found := h.engine.Discover(r.Context(), time.Duration(req.TimeoutMs)*time.Millisecond)
	if found == nil {
		found = []domain.DeviceInfo{}
	}
	response.Success(w, found)
}

func (h *DeviceHandler) Forget(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Forget(r.Context(), mux.Vars(r)["id"]); err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, map[string]string{"message": "Device forgotten"})
}

func (h *DeviceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.engine.Connect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, conn)
}

func (h *DeviceHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Connections.Disconnect(mux.Vars(r)["id"]); err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, map[string]string{"message": "Disconnected"})
}

func (h *DeviceHandler) Connections(w http.ResponseWriter, r *http.Request) {
	conns := h.engine.Connections.List()
	if conns == nil {
		conns = []domain.P2PConnection{}
	}
	response.Success(w, conns)
}

func (h *DeviceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, stats)
}
