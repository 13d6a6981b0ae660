package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/pairing"
	"bizsync-p2p/pkg/response"
)

type PairingHandler struct {
	pairing  *pairing.Engine
	validate *validator.Validate
}

func NewPairingHandler(p *pairing.Engine) *PairingHandler {
	return &PairingHandler{
		pairing:  p,
		validate: validator.New(),
	}
}

func (h *PairingHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	p, err := h.pairing.GenerateQR(r.Context())
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Created(w, p)
}

func (h *PairingHandler) GeneratePIN(w http.ResponseWriter, r *http.Request) {
	p, err := h.pairing.GeneratePIN(r.Context())
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Created(w, p)
}

// ScanQR and EnterPIN block until the handshake with the remote device ends.
func (h *PairingHandler) ScanQR(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanQRRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	p, err := h.pairing.ScanQR(r.Context(), req.Payload)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, p)
}

func (h *PairingHandler) EnterPIN(w http.ResponseWriter, r *http.Request) {
	var req domain.EnterPINRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	p, err := h.pairing.EnterPIN(r.Context(), req.DeviceID, req.PIN)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, p)
}

func (h *PairingHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.pairing.List()
	if list == nil {
		list = []domain.DevicePairing{}
	}
	response.Success(w, list)
}

func (h *PairingHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.pairing.Get(mux.Vars(r)["id"])
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, p)
}

func (h *PairingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.pairing.Cancel(mux.Vars(r)["id"]); err != nil {
		response.Fail(w, err)
		return
	}
	response.Success(w, map[string]string{"message": "Pairing cancelled"})
}
