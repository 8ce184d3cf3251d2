// ABOUTME: Websocket endpoint where observers and operators attach their channels.
// ABOUTME: Upgrades the connection and hands it to the session router for classification.

package server

import (
	"errors"
	"net/http"

	"github.com/sightglass-dev/sightglass/internal/channel"
	"github.com/sightglass-dev/sightglass/internal/relay"
)

// handleChannel upgrades the connection and runs its channel lifecycle. The
// handler blocks for the lifetime of the connection.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := channel.NewWebsocketConn(ws)

	if err := s.router.Handle(conn); err != nil {
		if errors.Is(err, relay.ErrMalformedHandshake) {
			s.logger.Warn("rejected connection", "error", err, "remote", r.RemoteAddr)
			return
		}
		s.logger.Error("channel handling failed", "error", err, "remote", r.RemoteAddr)
	}
}
