package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.ApplicationData.Auth.Secret = strings.Repeat("s", MinSecretLength)
	cfg.ApplicationData.API.AuthToken = "token"
	return cfg
}

func hasError(r *ValidationResult, field string) bool {
	for _, e := range r.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.True(t, cfg.IsFirstRun())

	_, err = os.Stat(cfg.Path())
	require.NoError(t, err)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"session":{"max_players":4}}`), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	s := cfg.GetSession()
	assert.Equal(t, 4, s.MaxPlayers)
	assert.Equal(t, 50, s.FrameIntervalMs)
	assert.True(t, s.EchoBroadcast)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame_interval_ms")
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestDurations(t *testing.T) {
	s := DefaultConfig().Session
	assert.Equal(t, 50*time.Millisecond, s.FrameInterval())
	assert.Equal(t, 30*time.Second, s.PendingTimeout())
	assert.Equal(t, time.Second/60, s.TickInterval())
}

func TestValidateDefaultsNeedSecret(t *testing.T) {
	r := Validate(DefaultConfig())
	assert.False(t, r.IsValid())
	assert.True(t, hasError(r, "application_data.auth.secret"))

	r = Validate(validConfig())
	assert.True(t, r.IsValid(), "%v", r.Errors)
}

func TestValidateMaxPlayers(t *testing.T) {
	for _, n := range []int{0, MaxPlayersLimit + 1} {
		cfg := validConfig()
		cfg.Session.MaxPlayers = n
		assert.True(t, hasError(Validate(cfg), "session.max_players"), "max_players=%d", n)
	}

	cfg := validConfig()
	cfg.Session.MaxPlayers = MaxPlayersLimit
	assert.True(t, Validate(cfg).IsValid())
}

func TestValidateSessionFields(t *testing.T) {
	cfg := validConfig()
	cfg.Session.Identity = 0
	cfg.Session.ListenAddr = "nope"
	cfg.Session.FrameIntervalMs = 0
	cfg.Session.ReceiveBatch = 0

	r := Validate(cfg)
	assert.True(t, hasError(r, "session.identity"))
	assert.True(t, hasError(r, "session.listen_addr"))
	assert.True(t, hasError(r, "session.frame_interval_ms"))
	assert.True(t, hasError(r, "session.receive_batch"))
}

func TestValidateClient(t *testing.T) {
	cfg := validConfig()
	assert.True(t, ValidateClient(cfg).IsValid())

	cfg.Client.ServerURL = "http://example.com"
	cfg.Client.ServerIdentity = cfg.Client.Identity
	r := ValidateClient(cfg)
	assert.True(t, hasError(r, "client.server_url"))
	assert.True(t, hasError(r, "client.identity"))
}

func TestUpdateSessionField(t *testing.T) {
	cfg := validConfig()

	require.NoError(t, cfg.UpdateSessionField("max_players", 6))
	assert.Equal(t, 6, cfg.GetSession().MaxPlayers)

	assert.Error(t, cfg.UpdateSessionField("no_such_field", 1))
	assert.Error(t, cfg.UpdateSessionField("max_players", "many"))
	assert.Equal(t, 6, cfg.GetSession().MaxPlayers)
}

func TestSetupWizardAcceptsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	var out bytes.Buffer
	answers := strings.Repeat("\n", 20)
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	assert.False(t, cfg.IsFirstRun())
	assert.Len(t, cfg.GetApplicationData().Auth.Secret, 64)
	assert.NotEmpty(t, cfg.GetApplicationData().API.AuthToken)
	assert.Contains(t, out.String(), "Configuration saved")

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.GetApplicationData().Auth.Secret, reloaded.GetApplicationData().Auth.Secret)
}

func TestSetupWizardGivesUpOnInvalidInput(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Server name, identity 0, then defaults; decline the retry.
	answers := "\n0\n" + strings.Repeat("\n", 8) + "no\n"
	err = RunSetupWizard(cfg, strings.NewReader(answers), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestValidatePruneTime(t *testing.T) {
	cfg := validConfig()
	assert.True(t, Validate(cfg).IsValid())

	cfg.ApplicationData.Maintenance.PruneTime = "25:00"
	assert.True(t, hasError(Validate(cfg), "application_data.maintenance.prune_time"))
}
