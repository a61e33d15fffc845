//go:build tsnet

package gateway

import (
	"log/slog"
	"net"

	"tailscale.com/tsnet"

	"github.com/wationgarbarad/ouroboros/internal/config"
)

// newListener serves the gateway over a private Tailscale network when a
// tsnet hostname is configured, falling back to plain TCP otherwise. The
// auth key comes from the environment only (never persisted).
func (s *Server) newListener(addr string) (net.Listener, error) {
	ts := s.cfg.Tailscale
	if ts.Hostname == "" {
		return net.Listen("tcp", addr)
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		AuthKey:   ts.AuthKey,
		Dir:       config.ExpandHome(ts.StateDir),
		Ephemeral: ts.Ephemeral,
	}

	if ts.EnableTLS {
		ln, err := srv.ListenTLS("tcp", ":443")
		if err != nil {
			return nil, err
		}
		slog.Info("gateway.tsnet_listening", "hostname", ts.Hostname, "tls", true)
		return ln, nil
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		return nil, err
	}
	slog.Info("gateway.tsnet_listening", "hostname", ts.Hostname, "tls", false)
	return ln, nil
}
