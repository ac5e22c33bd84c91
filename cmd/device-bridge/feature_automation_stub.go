//go:build no_automation

package main

import (
	"log/slog"

	"device-bridge/internal/bridge"
	"device-bridge/internal/config"
	"device-bridge/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *bridge.Bridge, _ *config.Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
