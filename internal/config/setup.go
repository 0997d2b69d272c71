package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/util"
)

// RunSetupWizard guides the operator through first-time configuration. It
// reads answers from in and writes prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	w := &wizard{reader: reader, out: out}

	for attempt := 0; ; attempt++ {
		w.println("╔══════════════════════════════════════════════╗")
		w.println("║         Framelink - First Run Setup          ║")
		w.println("╚══════════════════════════════════════════════╝")
		w.println("")

		w.println("── Server ──")
		cfg.Session.ServerName = w.promptString("Server name", cfg.Session.ServerName)
		cfg.Session.Identity = w.promptUint("Server identity", cfg.Session.Identity)
		cfg.Session.MaxPlayers = w.promptInt("Max players", cfg.Session.MaxPlayers)
		cfg.Session.ListenAddr = w.promptString("Relay listen address", cfg.Session.ListenAddr)
		cfg.Session.EchoBroadcast = w.promptBool("Echo broadcasts to their sender", cfg.Session.EchoBroadcast)

		w.println("")
		w.println("── Authentication ──")
		if cfg.ApplicationData.Auth.Secret == "" {
			secret, err := util.GenerateSecret(32)
			if err != nil {
				return err
			}
			cfg.ApplicationData.Auth.Secret = secret
			w.println("  Generated a new ticket secret. Copy it to every client that joins this server.")
		}
		cfg.ApplicationData.Auth.TicketTTLSec = w.promptInt("Ticket lifetime (seconds)", cfg.ApplicationData.Auth.TicketTTLSec)

		w.println("")
		w.println("── Status API ──")
		cfg.ApplicationData.API.Enabled = w.promptBool("Enable status API", cfg.ApplicationData.API.Enabled)
		if cfg.ApplicationData.API.Enabled {
			cfg.ApplicationData.API.Port = w.promptInt("API port", cfg.ApplicationData.API.Port)
			if cfg.ApplicationData.API.AuthToken == "" && w.promptBool("Generate an API token", true) {
				token, err := util.GenerateSecret(24)
				if err != nil {
					return err
				}
				cfg.ApplicationData.API.AuthToken = token
			}
		}

		w.println("")
		w.println("── MQTT Telemetry ──")
		cfg.ApplicationData.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
		if cfg.ApplicationData.MQTT.Enabled {
			cfg.ApplicationData.MQTT.BrokerURL = w.promptString("MQTT broker host", cfg.ApplicationData.MQTT.BrokerURL)
			cfg.ApplicationData.MQTT.Port = w.promptInt("MQTT broker port", cfg.ApplicationData.MQTT.Port)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			break
		}

		w.println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			w.printf("  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= 2 || !w.promptBool("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	w.println("")
	w.println("✓ Configuration saved successfully!")
	w.println("")
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) println(s string) {
	fmt.Fprintln(w.out, s)
}

func (w *wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *wizard) readLine() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		w.printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		w.printf("  %s: ", prompt)
	}

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	return input
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	w.printf("  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		w.printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptUint(prompt string, defaultVal uint64) uint64 {
	w.printf("  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		w.printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	w.printf("  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
