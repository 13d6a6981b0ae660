package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/middleware"
	"bizsync-p2p/internal/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	validator middleware.TokenValidator
	upgrader  ws.Upgrader
	log       *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, validator middleware.TokenValidator, readBuffer, writeBuffer int, log *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		validator: validator,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.Component(log, "eventstream"),
	}
}

// HandleConnection upgrades to the event stream. Browsers cannot set headers
// on a websocket handshake, so the token may also come as ?token=.
// ?kinds=a,b limits the initial subscription.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.log.Debug("event stream token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var kinds []events.Kind
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade event stream", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.DeviceID, conn, h.manager, kinds)
	if err := h.manager.Add(client); err != nil {
		reason := "event stream unavailable"
		if errors.Is(err, websocket.ErrTooManyClients) {
			reason = "too many clients"
		}
		conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseTryAgainLater, reason))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
