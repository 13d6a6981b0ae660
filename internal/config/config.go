package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bizsync-p2p/internal/domain"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	defaultJWTSecret = "dev-secret-change-in-production"
	deviceIDFile     = "device_id"
)

type Config struct {
	Server          ServerConfig
	Device          DeviceConfig
	Database        DatabaseConfig
	Storage         StorageConfig
	LAN             LANConfig
	Engine          EngineConfig
	JWT             JWTConfig
	API             APIConfig
	WebSocket       WebSocketConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Logging         LoggingConfig
	SyncProfilePath string
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DeviceConfig struct {
	ID         string
	Name       string
	Type       domain.DeviceType
	Platform   string
	AppVersion string
	DataDir    string
}

type DatabaseConfig struct {
	Backend  string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type StorageConfig struct {
	SecretDBPath     string
	RecordDBPath     string
	SecretPassphrase string
}

type LANConfig struct {
	Enabled        bool
	ListenAddr     string
	MulticastGroup string
	BeaconInterval time.Duration
}

type EngineConfig struct {
	DiscoveryTimeout       time.Duration
	DiscoveryInterval      time.Duration
	StaleAfter             time.Duration
	PairingTTL             time.Duration
	PairingStepTimeout     time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatMisses        int
	AuthTimeout            time.Duration
	ProtocolErrorThreshold int
	ResponseTimeout        time.Duration
	AckTimeout             time.Duration
	SettleTimeout          time.Duration
	ChunkSize              int
	SendWindow             int
}

type JWTConfig struct {
	Secret                 string
	Expiration             time.Duration
	RefreshTokenExpiration time.Duration
}

// APIConfig guards the local control API. PasswordHash is a bcrypt hash of
// the operator password exchanged for tokens.
type APIConfig struct {
	PasswordHash string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxSubscribers  int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Enabled           bool
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("env", EnvDevelopment)

	v.SetDefault("device_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("device_type", string(domain.DeviceTypeDesktop))
	v.SetDefault("device_platform", "")
	v.SetDefault("app_version", "1.0.0")
	v.SetDefault("data_dir", "./data")

	v.SetDefault("db_backend", "memory")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5984")
	v.SetDefault("db_user", "admin")
	v.SetDefault("db_password", "password")
	v.SetDefault("db_name", "bizsync")

	v.SetDefault("secret_db_path", "")
	v.SetDefault("record_db_path", "")
	v.SetDefault("secret_passphrase", "")

	v.SetDefault("lan_enabled", true)
	v.SetDefault("lan_listen_addr", ":0")
	v.SetDefault("lan_multicast_group", "239.255.42.99:42424")
	v.SetDefault("lan_beacon_interval", "2s")

	v.SetDefault("discovery_timeout", "60s")
	v.SetDefault("discovery_interval", "5s")
	v.SetDefault("device_stale_after", "2m")
	v.SetDefault("pairing_ttl", "5m")
	v.SetDefault("pairing_step_timeout", "30s")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("heartbeat_misses", 3)
	v.SetDefault("auth_timeout", "10s")
	v.SetDefault("protocol_error_threshold", 5)
	v.SetDefault("sync_response_timeout", "15s")
	v.SetDefault("ack_timeout", "15s")
	v.SetDefault("settle_timeout", "3s")
	v.SetDefault("chunk_size", 50)
	v.SetDefault("send_window", 4)

	v.SetDefault("jwt_secret", defaultJWTSecret)
	v.SetDefault("jwt_expiration", "15m")
	v.SetDefault("refresh_token_expiration", "168h")
	v.SetDefault("api_password_hash", "")

	v.SetDefault("ws_read_buffer_size", 4096)
	v.SetDefault("ws_write_buffer_size", 4096)
	v.SetDefault("ws_max_message_size", 1<<20)
	v.SetDefault("ws_write_wait", "10s")
	v.SetDefault("ws_pong_wait", "60s")
	v.SetDefault("ws_ping_period", "54s")
	v.SetDefault("ws_max_subscribers", 8)

	v.SetDefault("rate_limit_requests_per_minute", 120)
	v.SetDefault("rate_limit_enabled", true)

	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("cors_allowed_methods", "GET,POST,PUT,DELETE,OPTIONS")
	v.SetDefault("cors_allowed_headers", "Content-Type,Authorization")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("sync_profile_path", "")
}

// Load reads .env, then the environment, over the defaults above. The local
// device id is created and persisted on first start.
func Load() (*Config, error) {
	godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("port"),
			Host: v.GetString("host"),
			Env:  v.GetString("env"),
		},
		Device: DeviceConfig{
			ID:         v.GetString("device_id"),
			Name:       v.GetString("device_name"),
			Type:       domain.DeviceType(v.GetString("device_type")),
			Platform:   v.GetString("device_platform"),
			AppVersion: v.GetString("app_version"),
			DataDir:    v.GetString("data_dir"),
		},
		Database: DatabaseConfig{
			Backend:  v.GetString("db_backend"),
			Host:     v.GetString("db_host"),
			Port:     v.GetString("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			Name:     v.GetString("db_name"),
		},
		Storage: StorageConfig{
			SecretDBPath:     v.GetString("secret_db_path"),
			RecordDBPath:     v.GetString("record_db_path"),
			SecretPassphrase: v.GetString("secret_passphrase"),
		},
		LAN: LANConfig{
			Enabled:        v.GetBool("lan_enabled"),
			ListenAddr:     v.GetString("lan_listen_addr"),
			MulticastGroup: v.GetString("lan_multicast_group"),
			BeaconInterval: v.GetDuration("lan_beacon_interval"),
		},
		Engine: EngineConfig{
			DiscoveryTimeout:       v.GetDuration("discovery_timeout"),
			DiscoveryInterval:      v.GetDuration("discovery_interval"),
			StaleAfter:             v.GetDuration("device_stale_after"),
			PairingTTL:             v.GetDuration("pairing_ttl"),
			PairingStepTimeout:     v.GetDuration("pairing_step_timeout"),
			HeartbeatInterval:      v.GetDuration("heartbeat_interval"),
			HeartbeatMisses:        v.GetInt("heartbeat_misses"),
			AuthTimeout:            v.GetDuration("auth_timeout"),
			ProtocolErrorThreshold: v.GetInt("protocol_error_threshold"),
			ResponseTimeout:        v.GetDuration("sync_response_timeout"),
			AckTimeout:             v.GetDuration("ack_timeout"),
			SettleTimeout:          v.GetDuration("settle_timeout"),
			ChunkSize:              v.GetInt("chunk_size"),
			SendWindow:             v.GetInt("send_window"),
		},
		JWT: JWTConfig{
			Secret:                 v.GetString("jwt_secret"),
			Expiration:             v.GetDuration("jwt_expiration"),
			RefreshTokenExpiration: v.GetDuration("refresh_token_expiration"),
		},
		API: APIConfig{
			PasswordHash: v.GetString("api_password_hash"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  v.GetInt("ws_read_buffer_size"),
			WriteBufferSize: v.GetInt("ws_write_buffer_size"),
			MaxMessageSize:  v.GetInt64("ws_max_message_size"),
			WriteWait:       v.GetDuration("ws_write_wait"),
			PongWait:        v.GetDuration("ws_pong_wait"),
			PingPeriod:      v.GetDuration("ws_ping_period"),
			MaxSubscribers:  v.GetInt("ws_max_subscribers"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("rate_limit_requests_per_minute"),
			Enabled:           v.GetBool("rate_limit_enabled"),
		},
		CORS: CORSConfig{
			AllowedOrigins: v.GetString("cors_allowed_origins"),
			AllowedMethods: v.GetString("cors_allowed_methods"),
			AllowedHeaders: v.GetString("cors_allowed_headers"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		SyncProfilePath: v.GetString("sync_profile_path"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Device.ID == "" {
		id, err := DeviceID(cfg.Device.DataDir)
		if err != nil {
			return nil, err
		}
		cfg.Device.ID = id
	}
	if cfg.Device.Name == "" {
		host, _ := os.Hostname()
		cfg.Device.Name = host
	}
	if cfg.Storage.SecretDBPath == "" {
		cfg.Storage.SecretDBPath = filepath.Join(cfg.Device.DataDir, "secrets.db")
	}
	if cfg.Storage.RecordDBPath == "" {
		cfg.Storage.RecordDBPath = filepath.Join(cfg.Device.DataDir, "records.db")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	switch c.Device.Type {
	case domain.DeviceTypeMobile, domain.DeviceTypeDesktop, domain.DeviceTypeTablet:
	default:
		errs = append(errs, fmt.Errorf("invalid DEVICE_TYPE %q", c.Device.Type))
	}
	if c.Device.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	switch c.Database.Backend {
	case "memory", "couch":
	default:
		errs = append(errs, fmt.Errorf("invalid DB_BACKEND %q, want memory or couch", c.Database.Backend))
	}
	if c.Engine.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.Engine.SendWindow <= 0 {
		errs = append(errs, errors.New("SEND_WINDOW must be positive"))
	}
	if c.Engine.HeartbeatMisses <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_MISSES must be positive"))
	}
	if c.Engine.PairingTTL <= 0 {
		errs = append(errs, errors.New("PAIRING_TTL must be positive"))
	}
	if c.Server.Env == EnvProduction {
		if c.JWT.Secret == defaultJWTSecret {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		}
		if c.Storage.SecretPassphrase == "" {
			errs = append(errs, errors.New("SECRET_PASSPHRASE must be set in production"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CouchURL is the CouchDB DSN for the kivik client.
func (c DatabaseConfig) CouchURL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", c.User, c.Password, c.Host, c.Port)
}

// SplitList splits the comma separated CORS settings.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DeviceID returns the id stored in dataDir, creating it on first use.
func DeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	id := uuid.New().String()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	return id, nil
}

// LoadSyncProfile reads a YAML sync profile over the default configuration.
// An empty path yields the defaults.
func LoadSyncProfile(path string) (domain.SyncConfiguration, error) {
	cfg := domain.DefaultSyncConfiguration()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read sync profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid sync profile %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return cfg, fmt.Errorf("invalid sync profile %s: %w", path, err)
	}
	return cfg, nil
}
