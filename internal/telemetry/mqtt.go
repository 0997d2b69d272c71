// Package telemetry publishes session events over MQTT and exposes
// Prometheus metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/util"
)

// MQTT topics
const (
	TopicLifecycle   = "framelink/session/lifecycle"
	TopicParticipant = "framelink/session/participant"
	TopicMatch       = "framelink/session/match"
	TopicLag         = "framelink/session/lag"
)

// ErrMQTTDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrMQTTDisabled = errors.New("MQTT is disabled")

// routes maps every published event type to its topic.
var routes = map[events.EventType]string{
	events.EventPhaseChanged:             TopicLifecycle,
	events.EventShutdown:                 TopicLifecycle,
	events.EventParticipantConnecting:    TopicParticipant,
	events.EventParticipantRejected:      TopicParticipant,
	events.EventParticipantAuthenticated: TopicParticipant,
	events.EventAuthenticationFailed:     TopicParticipant,
	events.EventParticipantLeft:          TopicParticipant,
	events.EventClientStateChanged:       TopicParticipant,
	events.EventAllReadyToGo:             TopicMatch,
	events.EventGameStarted:              TopicMatch,
	events.EventLongTick:                 TopicLag,
	events.EventLagAlert:                 TopicLag,
}

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType events.EventType) (string, bool) {
	topic, ok := routes[eventType]
	return topic, ok
}

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes session events from the EventBus to an MQTT broker
// as JSON, tagged with host metadata and the session id.
type MQTTHandler struct {
	cfg       config.MQTTConfig
	eventBus  *events.EventBus
	client    mqtt.Client
	pub       publisher
	sessionID string
	logger    zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the MQTT section of cfg.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, sessionID, version string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, ErrMQTTDisabled
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:       mqttCfg,
		eventBus:  eventBus,
		sessionID: sessionID,
		logger:    util.ComponentLogger("mqtt"),
		metadata:  hostMetadata(sysInfo, version),
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("framelink-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client

	return handler, nil
}

func hostMetadata(info util.SystemInfo, version string) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    info.Hostname,
		"os":          info.OS,
		"cpu_model":   info.CPUModel,
		"cpu_cores":   info.CPUCores,
		"memory_mb":   info.TotalMemory,
		"app_version": version,
	}
}

// Start connects to the broker, publishes events until ctx is cancelled,
// then publishes a shutdown message and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown("context cancelled")
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscriberName(eventType events.EventType) string {
	return "mqtt." + string(eventType)
}

// subscribeEvents registers one handler per routed event type.
func (h *MQTTHandler) subscribeEvents() {
	for eventType := range routes {
		h.eventBus.Subscribe(eventType, h.subscriberName(eventType), h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for eventType := range routes {
		h.eventBus.Unsubscribe(eventType, h.subscriberName(eventType))
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	topic, ok := TopicFor(event.Type)
	if !ok {
		return nil
	}
	h.publish(topic, event.Type, event.Time, event.Payload)
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, eventType events.EventType, at time.Time, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(eventType, at, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(eventType events.EventType, at time.Time, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+4)
	for k, v := range h.metadata {
		msg[k] = v
	}

	msg["event"] = string(eventType)
	msg["session_id"] = h.sessionID
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339)

	return msg
}

// PublishShutdown sends a shutdown message to the lifecycle topic.
func (h *MQTTHandler) PublishShutdown(reason string) {
	h.publish(TopicLifecycle, events.EventShutdown, time.Now(), events.ShutdownPayload{Reason: reason})
}
