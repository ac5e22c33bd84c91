//go:build no_nats

package main

import (
	"log/slog"

	"device-bridge/internal/bridge"
	"device-bridge/internal/config"
)

type natsStopper struct{}

func (n *natsStopper) Stop() {}

func initNATS(_ *bridge.Bridge, _ *config.Config, _ *slog.Logger) *natsStopper {
	return &natsStopper{}
}
