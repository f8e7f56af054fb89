// ABOUTME: Tailscale listener for serving huddle on a tailnet via tsnet
// ABOUTME: Supports plain HTTP on :80, HTTPS with tailnet certs, and public funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/huddle/internal/config"
)

// tailnetStateDir returns where the tsnet node keeps its state.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving tailscale state dir (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(home, ".local", "share", "huddle", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key and falls back to TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	for _, key := range []string{configured, os.Getenv("TS_AUTHKEY")} {
		if key != "" {
			return key, nil
		}
	}
	return "", errors.New("tailscale.auth_key or TS_AUTHKEY is required")
}

// newTailnetServer builds, but does not start, the tsnet node for cfg.
func newTailnetServer(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir, err := tailnetStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	key, err := tailnetAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}, nil
}

// listenTailnet joins the tailnet and returns the listener for the chosen
// mode. On failure the node is closed and g.tsnetServer stays nil.
func (g *Gateway) listenTailnet(ctx context.Context) (ln net.Listener, err error) {
	cfg := g.config.Tailscale
	srv, err := newTailnetServer(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(srv.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	defer func() {
		if err != nil {
			_ = srv.Close()
		}
	}()

	log := g.logger.With("hostname", cfg.Hostname)
	log.Info("joining tailnet", "state_dir", srv.Dir, "ephemeral", cfg.Ephemeral)

	status, err := srv.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) == 0 {
		log.Warn("tailscale node has no addresses yet")
	} else {
		var dns string
		if status.Self != nil {
			dns = status.Self.DNSName
		}
		log.Info("tailnet ready", "tailscale_ip", status.TailscaleIPs[0].String(), "dns_name", dns)
	}

	switch {
	case cfg.Funnel:
		log.Info("serving publicly through funnel on :443")
		ln, err = srv.ListenFunnel("tcp", ":443")
	case cfg.HTTPS:
		log.Info("serving HTTPS with tailnet certificates on :443")
		ln, err = listenTailnetTLS(srv)
	default:
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}

	g.tsnetServer = srv
	return ln, nil
}

func listenTailnetTLS(srv *tsnet.Server) (net.Listener, error) {
	lc, err := srv.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
