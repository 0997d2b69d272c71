package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// MinSecretLength is the shortest accepted ticket secret.
const MinSecretLength = 16

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the server side of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateSession(&cfg.Session, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

// ValidateClient checks the client side of the configuration.
func ValidateClient(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateClient(&cfg.Client, result)
	validateAuth(&cfg.ApplicationData.Auth, result)

	return result
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.Identity == 0 {
		result.AddError("session.identity", "server identity must be non-zero")
	}

	if s.MaxPlayers < 1 || s.MaxPlayers > MaxPlayersLimit {
		result.AddError("session.max_players",
			fmt.Sprintf("must be between 1 and %d, got %d", MaxPlayersLimit, s.MaxPlayers))
	}

	if strings.TrimSpace(s.ServerName) == "" {
		result.AddWarning("session.server_name", "server name is empty")
	}

	if _, port, err := net.SplitHostPort(s.ListenAddr); err != nil {
		result.AddError("session.listen_addr", fmt.Sprintf("invalid listen address %q", s.ListenAddr))
	} else if port == "0" {
		result.AddWarning("session.listen_addr", "random port selected, clients cannot be preconfigured")
	}

	if s.DiscoveryPort != 0 {
		validatePort(s.DiscoveryPort, "session.discovery_port", result)
	}

	validateTickRate(s.TickRateHz, "session.tick_rate_hz", result)

	if s.FrameIntervalMs < 1 || s.FrameIntervalMs > 10000 {
		result.AddError("session.frame_interval_ms", "frame interval must be between 1 and 10000 ms")
	} else if s.TickRateHz > 0 && s.FrameInterval() < s.TickInterval() {
		result.AddWarning("session.frame_interval_ms",
			"frame interval is shorter than the tick interval, frames will be flushed once per tick")
	}

	if s.PendingTimeoutSec < 0 {
		result.AddError("session.pending_timeout_sec", "pending timeout cannot be negative")
	} else if s.PendingTimeoutSec == 0 {
		result.AddWarning("session.pending_timeout_sec", "pending timeout disabled, stalled handshakes hold slots")
	}

	if s.ReceiveBatch < 1 {
		result.AddError("session.receive_batch", "receive batch must be at least 1")
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	if c.Identity == 0 {
		result.AddError("client.identity", "client identity must be non-zero")
	}
	if c.ServerIdentity == 0 {
		result.AddError("client.server_identity", "server identity must be non-zero")
	}
	if c.Identity == c.ServerIdentity && c.Identity != 0 {
		result.AddError("client.identity", "client and server identities must differ")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		result.AddError("client.server_url", fmt.Sprintf("expected a ws:// or wss:// URL, got %q", c.ServerURL))
	}

	validateTickRate(c.TickRateHz, "client.tick_rate_hz", result)

	if c.ReceiveBatch < 1 {
		result.AddError("client.receive_batch", "receive batch must be at least 1")
	}
	if c.SendIntervalMs < 1 {
		result.AddError("client.send_interval_ms", "send interval must be at least 1 ms")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateAuth(&data.Auth, result)

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.AuthToken == "" {
			result.AddWarning("application_data.api.auth_token",
				"no API token configured, session endpoints are unauthenticated")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if _, err := time.Parse("15:04", data.Maintenance.PruneTime); err != nil {
		result.AddError("application_data.maintenance.prune_time", "prune time must be HH:MM")
	}
}

func validateAuth(a *AuthConfig, result *ValidationResult) {
	if len(a.Secret) < MinSecretLength {
		result.AddError("application_data.auth.secret",
			fmt.Sprintf("ticket secret must be at least %d characters", MinSecretLength))
	}
	if a.TicketTTLSec < 1 {
		result.AddError("application_data.auth.ticket_ttl_sec", "ticket TTL must be at least 1 second")
	}
	if strings.TrimSpace(a.DatabasePath) == "" {
		result.AddError("application_data.auth.database_path", "ticket database path is required")
	}
}

func validateTickRate(hz int, field string, result *ValidationResult) {
	if hz < 1 || hz > 1000 {
		result.AddError(field, fmt.Sprintf("tick rate must be between 1 and 1000 Hz, got %d", hz))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
