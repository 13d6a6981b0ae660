package domain

type LoginRequest struct {
	Password string `json:"password" validate:"required"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LoginResponse struct {
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type DiscoverRequest struct {
	TimeoutMs int `json:"timeout_ms" validate:"gte=0,lte=600000"`
}

type ScanQRRequest struct {
	Payload string `json:"payload" validate:"required"`
}

type EnterPINRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	PIN      string `json:"pin" validate:"required,len=6,numeric"`
}

type StartSyncRequest struct {
	DeviceIDs     []string           `json:"device_ids" validate:"required,min=1,dive,required"`
	Configuration *SyncConfiguration `json:"configuration"`
}
