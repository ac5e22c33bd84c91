//go:build no_mqtt

package main

import (
	"log/slog"

	"device-bridge/internal/bridge"
	"device-bridge/internal/config"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *bridge.Bridge, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
