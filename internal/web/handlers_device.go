package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"device-bridge/internal/bridge"
	"device-bridge/internal/protocol"
	"device-bridge/internal/store"
)

const authTimeout = 10 * time.Second

// handleDeviceWS serves the device channel. On /ws/{token} the session is
// authenticated from the path; on /ws the first frame must be authenticate.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Error("device ws accept", "err", err)
		return
	}
	conn.SetReadLimit(deviceReadLimit)

	dc := newDeviceConn(conn)
	go dc.writePump(s.ctx)
	defer func() {
		dc.Close("transport closed")
		<-dc.stopped
	}()

	token, info, err := s.readAuthentication(s.ctx, dc, r.PathValue("token"))
	var welcome bridge.Welcome
	if err == nil {
		welcome, err = s.bridge.Authenticate(token, info, dc)
	}
	if err != nil {
		s.logger.Warn("device authentication failed", "token", token, "remote", r.RemoteAddr, "err", err)
		_ = dc.Send(protocol.NewAuthenticationFailure(time.Now(), err.Error()))
		dc.Close("authentication failed")
		return
	}

	connID := welcome.Session.ConnID
	s.logger.Info("device connected", "token", token, "conn", connID, "remote", r.RemoteAddr)
	s.deviceReadLoop(s.ctx, dc, token)
	s.bridge.ConnectionLost(token, connID)
}

// readAuthentication resolves the token from the path or the first frame.
func (s *Server) readAuthentication(ctx context.Context, dc *deviceConn, pathToken string) (string, *store.DeviceInfo, error) {
	if pathToken != "" {
		return pathToken, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	typ, data, err := dc.conn.Read(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read authenticate frame: %w", bridge.ErrAuthentication, err)
	}
	if typ != websocket.MessageText {
		return "", nil, fmt.Errorf("%w: authenticate frame must be text", bridge.ErrAuthentication)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", bridge.ErrAuthentication, err)
	}
	auth, ok := msg.(*protocol.Authenticate)
	if !ok {
		return "", nil, fmt.Errorf("%w: first frame must be authenticate", bridge.ErrAuthentication)
	}
	return auth.Token, storeInfo(auth.DeviceInfo), nil
}

func storeInfo(p *protocol.DeviceInfo) *store.DeviceInfo {
	if p == nil {
		return nil
	}
	return &store.DeviceInfo{
		Manufacturer: p.Manufacturer,
		Model:        p.Model,
		OSVersion:    p.OSVersion,
		AppVersion:   p.AppVersion,
		Capabilities: p.Capabilities,
	}
}

// deviceReadLoop routes inbound frames until the connection ends.
func (s *Server) deviceReadLoop(ctx context.Context, dc *deviceConn, token string) {
	for {
		typ, data, err := dc.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("device read ended", "token", token, "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame", "token", token)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("invalid device frame", "token", token, "err", err)
			_ = dc.Send(protocol.NewFailure(err.Error()))
			continue
		}
		s.handleDeviceFrame(token, msg)
	}
}

func (s *Server) handleDeviceFrame(token string, msg any) {
	switch m := msg.(type) {
	case *protocol.Heartbeat:
		s.bridge.IngestHeartbeat(token, m)
	case *protocol.CommandResponse:
		if !s.bridge.IngestResponse(token, m) {
			s.logger.Debug("unmatched command response", "token", token, "message_id", m.MessageID)
		}
	case *protocol.Capabilities:
		s.bridge.IngestCapabilities(token, m.Capabilities)
	case *protocol.StatusUpdate:
		s.bridge.IngestStatus(token, m)
	case *protocol.DeviceError:
		s.bridge.IngestDeviceError(token, m)
	case *protocol.Authenticate:
		// A repeat authenticate on a live channel only refreshes device info.
		if info := storeInfo(m.DeviceInfo); info != nil {
			s.bridge.UpdateDeviceInfo(token, *info)
		}
	}
}
