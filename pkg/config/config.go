package config

import "time"

// LoginConfig contains login flow behavior settings.
// Fields carry env tags so the whole struct can be populated with cleanenv,
// or populated manually in tests.
type LoginConfig struct {
	// PendingExpiry is how long a one-time code stays valid (Go duration format, e.g., "5m")
	PendingExpiry string `env:"LOGIN_PENDING_EXPIRY" env-default:"5m"`

	// MaxCodeAttempts is the maximum number of wrong codes before a pending login is discarded
	MaxCodeAttempts int `env:"LOGIN_MAX_CODE_ATTEMPTS" env-default:"5"`

	// RateLimitBurst is the number of login attempts allowed in a burst per principal
	RateLimitBurst int `env:"LOGIN_RATE_LIMIT_BURST" env-default:"5"`

	// RateLimitPerSecond is the sustained login attempt rate per principal
	RateLimitPerSecond float64 `env:"LOGIN_RATE_LIMIT_PER_SECOND" env-default:"0.2"`
}

// ParsePendingExpiry parses the PendingExpiry field as a time.Duration.
func (c *LoginConfig) ParsePendingExpiry() (time.Duration, error) {
	return time.ParseDuration(c.PendingExpiry)
}

// ImpersonationConfig contains impersonation flow behavior settings.
type ImpersonationConfig struct {
	// RequestExpiry is how long a confirmation request stays valid (Go duration format, e.g., "10m")
	RequestExpiry string `env:"IMPERSONATION_REQUEST_EXPIRY" env-default:"10m"`

	// MaxOutstandingPerTarget caps non-terminal requests per target user (0 = unlimited)
	MaxOutstandingPerTarget int `env:"IMPERSONATION_MAX_OUTSTANDING_PER_TARGET" env-default:"3"`

	// PollInterval is the delay between status poll attempts (Go duration format, e.g., "2s")
	PollInterval string `env:"IMPERSONATION_POLL_INTERVAL" env-default:"2s"`

	// PollAttempts is the maximum number of status polls before giving up
	PollAttempts int `env:"IMPERSONATION_POLL_ATTEMPTS" env-default:"60"`
}

// ParseRequestExpiry parses the RequestExpiry field as a time.Duration.
func (c *ImpersonationConfig) ParseRequestExpiry() (time.Duration, error) {
	return time.ParseDuration(c.RequestExpiry)
}

// ParsePollInterval parses the PollInterval field as a time.Duration.
func (c *ImpersonationConfig) ParsePollInterval() (time.Duration, error) {
	return time.ParseDuration(c.PollInterval)
}

// JwtConfig contains session token settings.
type JwtConfig struct {
	Secret        string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer        string `env:"JWT_ISSUER" env-default:"simple-auth"`
	Audience      string `env:"JWT_AUDIENCE" env-default:"simple-auth"`
	SessionExpiry string `env:"JWT_SESSION_EXPIRY" env-default:"24h"`
}

// ParseSessionExpiry parses the SessionExpiry field as a time.Duration.
func (c *JwtConfig) ParseSessionExpiry() (time.Duration, error) {
	return time.ParseDuration(c.SessionExpiry)
}
