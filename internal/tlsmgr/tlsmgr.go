// Package tlsmgr builds the API server's TLS configuration.
package tlsmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"pkt.systems/pslog"
)

// Mode selects how TLS is configured.
type Mode string

const (
	// ModeAuto issues a server certificate from a local CA kept in Dir.
	ModeAuto Mode = "auto"
	// ModeBundle loads a certificate chain and key from PEM files.
	ModeBundle Mode = "bundle"
	// ModeACME obtains certificates over TLS-ALPN-01.
	ModeACME Mode = "acme"
	// ModeOff serves plain HTTP, for use behind a TLS-terminating proxy.
	ModeOff Mode = "off"
)

// Config configures TLS management behavior.
type Config struct {
	Mode        Mode
	BundleFiles []string
	Hostname    string
	Dir         string
	CacheDir    string
}

// ResolveMode chooses a TLS mode based on config inputs.
func ResolveMode(cfg Config) Mode {
	if cfg.Mode != "" {
		return cfg.Mode
	}
	if len(cfg.BundleFiles) > 0 {
		return ModeBundle
	}
	return ModeAuto
}

// BuildServerTLSConfig returns the server TLS config, or nil for ModeOff.
func BuildServerTLSConfig(ctx context.Context, cfg Config, logger pslog.Logger) (*tls.Config, error) {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	logger = logger.With("component", "tls")

	switch mode := ResolveMode(cfg); mode {
	case ModeOff:
		logger.Warn("tls disabled; terminate TLS in front of the server")
		return nil, nil
	case ModeBundle:
		if len(cfg.BundleFiles) == 0 {
			return nil, errors.New("tls bundle mode requires at least one bundle file")
		}
		cert, err := LoadBundle(cfg.BundleFiles)
		if err != nil {
			return nil, err
		}
		return serverConfig(cert), nil
	case ModeACME:
		if cfg.Hostname == "" {
			return nil, errors.New("acme mode requires a tls hostname")
		}
		if cfg.CacheDir == "" {
			return nil, errors.New("acme mode requires a tls cache dir")
		}
		if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
			return nil, err
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cfg.CacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Hostname),
		}
		logger.Info("acme tls enabled", "hostname", cfg.Hostname, "cache_dir", cfg.CacheDir)
		return &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: manager.GetCertificate,
			NextProtos:     []string{acme.ALPNProto, "h2", "http/1.1"},
		}, nil
	case ModeAuto:
		if cfg.Dir == "" {
			return nil, errors.New("auto tls mode requires a tls dir")
		}
		cert, err := EnsureLocalServerCert(ctx, cfg.Dir, cfg.Hostname, logger)
		if err != nil {
			return nil, err
		}
		return serverConfig(cert), nil
	default:
		return nil, fmt.Errorf("unsupported tls mode: %s", mode)
	}
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
}
