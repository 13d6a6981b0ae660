package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"bizsync-p2p/internal/config"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/engine"
	"bizsync-p2p/internal/middleware"
	"bizsync-p2p/internal/service"
	"bizsync-p2p/internal/websocket"
	"bizsync-p2p/pkg/response"
)

type RouterConfig struct {
	Engine      *engine.Engine
	Auth        *service.AuthService
	Events      *websocket.Manager
	SyncProfile domain.SyncConfiguration
	CORS        config.CORSConfig
	RateLimit   config.RateLimitConfig
	WebSocket   config.WebSocketConfig
	Log         *slog.Logger
}

// NewRouter builds the control API.
func NewRouter(cfg RouterConfig) *mux.Router {
	authHandler := NewAuthHandler(cfg.Auth)
	deviceHandler := NewDeviceHandler(cfg.Engine)
	pairingHandler := NewPairingHandler(cfg.Engine.Pairing)
	sessionHandler := NewSessionHandler(cfg.Engine, cfg.SyncProfile)
	wsHandler := NewWebSocketHandler(cfg.Events, cfg.Auth,
		cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, cfg.Log)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(cfg.Log))
	r.Use(middleware.CORSMiddleware(
		config.SplitList(cfg.CORS.AllowedOrigins),
		config.SplitList(cfg.CORS.AllowedMethods),
		config.SplitList(cfg.CORS.AllowedHeaders),
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	if cfg.RateLimit.Enabled {
		api.Use(middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute).Middleware())
	}

	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/events", wsHandler.HandleConnection).Methods("GET")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.Auth))

	protected.HandleFunc("/device", deviceHandler.Self).Methods("GET", "OPTIONS")

	protected.HandleFunc("/devices", deviceHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/devices/discover", deviceHandler.Discover).Methods("POST", "OPTIONS")
	protected.HandleFunc("/devices/{id}", deviceHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/devices/{id}", deviceHandler.Forget).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/devices/{id}/connect", deviceHandler.Connect).Methods("POST", "OPTIONS")
	protected.HandleFunc("/devices/{id}/disconnect", deviceHandler.Disconnect).Methods("POST", "OPTIONS")
	protected.HandleFunc("/devices/{id}/stats", deviceHandler.Stats).Methods("GET", "OPTIONS")
	protected.HandleFunc("/connections", deviceHandler.Connections).Methods("GET", "OPTIONS")

	protected.HandleFunc("/pairing", pairingHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/pairing/qr", pairingHandler.GenerateQR).Methods("POST", "OPTIONS")
	protected.HandleFunc("/pairing/pin", pairingHandler.GeneratePIN).Methods("POST", "OPTIONS")
	protected.HandleFunc("/pairing/scan", pairingHandler.ScanQR).Methods("POST", "OPTIONS")
	protected.HandleFunc("/pairing/enter", pairingHandler.EnterPIN).Methods("POST", "OPTIONS")
	protected.HandleFunc("/pairing/{id}", pairingHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/pairing/{id}", pairingHandler.Cancel).Methods("DELETE", "OPTIONS")

	protected.HandleFunc("/sessions", sessionHandler.Start).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sessions", sessionHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/sessions/active", sessionHandler.Active).Methods("GET", "OPTIONS")
	protected.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/sessions/{id}/cancel", sessionHandler.Cancel).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sessions/{id}/pause", sessionHandler.Pause).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sessions/{id}/resume", sessionHandler.Resume).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sessions/{id}/conflicts/{conflictId}/resolve", sessionHandler.ResolveConflict).Methods("POST", "OPTIONS")

	r.HandleFunc("/health", healthHandler(cfg.Engine)).Methods("GET")

	return r
}

func healthHandler(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		self := e.Self()
		response.Success(w, map[string]any{
			"status":     "healthy",
			"service":    "bizsync-p2p",
			"device_id":  self.DeviceID,
			"transports": self.Transports,
		})
	}
}
