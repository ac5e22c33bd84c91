//go:build !no_nats

package main

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"device-bridge/internal/bridge"
	"device-bridge/internal/config"
	"device-bridge/internal/natsapi"
)

type natsStopper struct {
	nc  *nats.Conn
	svc *natsapi.Service
}

func (n *natsStopper) Stop() {
	if n.svc != nil {
		n.svc.Stop()
	}
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
		}
	}
}

func initNATS(b *bridge.Bridge, cfg *config.Config, logger *slog.Logger) *natsStopper {
	if !cfg.NATS.Enabled {
		return &natsStopper{}
	}
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("device-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}))
	if err != nil {
		logger.Error("nats connect", "url", cfg.NATS.URL, "err", err)
		return &natsStopper{}
	}

	svc := natsapi.NewService(nc, b, cfg.NATS.SubjectPrefix, logger)
	if err := svc.Start(); err != nil {
		logger.Error("nats service", "err", err)
		nc.Close()
		return &natsStopper{}
	}
	return &natsStopper{nc: nc, svc: svc}
}
