package server

import (
	"net/http"
	"net/url"
	"time"
)

// SessionConfig holds configuration for individual sessions and their
// push channels.
type SessionConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for a message from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// IdleTimeout is the time after which a session with no HTTP
	// activity and no attached channel is expired.
	// Default: 5 minutes.
	IdleTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings on the
	// push channel.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64

	// MaxPendingPatches is the number of patches buffered per session
	// while no channel is attached. Beyond the cap the oldest patch is
	// dropped; target-bound content is most useful fresh.
	// Default: 64.
	MaxPendingPatches int

	// MaxSendQueue is the size of a channel's outbound write queue.
	// A connection that cannot drain it is dropped as a slow consumer.
	// Default: 256.
	MaxSendQueue int
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024, // 64KB
		MaxPendingPatches: 64,
		MaxSendQueue:      256,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin on channel
	// attach. Default: same-origin only.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// CleanupInterval is the interval for the session expiry sweep.
	// Default: 30 seconds.
	CleanupInterval time.Duration

	// Limits

	// MaxSessions is the maximum number of tracked sessions.
	// 0 means no limit. Requests beyond the limit are still served with
	// an untracked throwaway session.
	// Default: 0 (no limit).
	MaxSessions int

	// Cookies

	// CookieName is the session cookie name.
	// Default: "psui_sid".
	CookieName string

	// CookieDomain scopes the session cookie to a domain.
	// Default: "" (host-only).
	CookieDomain string

	// SecureCookies requires the Secure attribute on issued cookies.
	// When enabled, cookies are only issued on requests the server can
	// verify as HTTPS (direct TLS or a trusted proxy header).
	// Default: false.
	SecureCookies bool

	// SameSiteMode for the session cookie.
	// Default: http.SameSiteLaxMode.
	SameSiteMode http.SameSite

	// TrustedProxies lists trusted reverse proxy IPs or CIDRs for
	// Forwarded/X-Forwarded-Proto headers.
	// Default: nil (don't trust proxy headers).
	TrustedProxies []string

	// DevMode enables development conveniences: the autoreload
	// broadcast endpoint behavior and verbose logging.
	// Default: false.
	DevMode bool
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// CheckOrigin enforces same-origin by default to prevent cross-site
// WebSocket hijacking.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
		SessionConfig:   DefaultSessionConfig(),
		ShutdownTimeout: 30 * time.Second,
		CleanupInterval: 30 * time.Second,
		MaxSessions:     0, // No limit
		CookieName:      "psui_sid",
		SameSiteMode:    http.SameSiteLaxMode,
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// This is the secure default for CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., same-origin request or curl)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}

	return originURL.Host == host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SessionConfig != nil {
		clone.SessionConfig = c.SessionConfig.Clone()
	}
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithSessionConfig sets the session configuration and returns the config for chaining.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	c.SessionConfig = sc
	return c
}

// WithMaxSessions sets the maximum sessions and returns the config for chaining.
func (c *ServerConfig) WithMaxSessions(max int) *ServerConfig {
	c.MaxSessions = max
	return c
}

// WithDevMode enables development mode and returns the config for chaining.
func (c *ServerConfig) WithDevMode(dev bool) *ServerConfig {
	c.DevMode = dev
	return c
}
