package jitterm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"pkt.systems/jitterm/internal/tlsmgr"
	"pkt.systems/pslog"
)

// BootstrapOptions configures Bootstrap.
type BootstrapOptions struct {
	Config Config
	// ConfigPath defaults to DefaultConfigPath.
	ConfigPath string
	// AdminUsername names the super admin created when the users file is
	// empty. Defaults to "admin".
	AdminUsername string
	AdminTOTP     bool
}

// BootstrapResult reports what Bootstrap created.
type BootstrapResult struct {
	ConfigPath string
	// Admin is set when a super admin account was created.
	Admin *UserCreateResult
}

// Bootstrap writes the config file, prepares local TLS assets and creates
// the first super admin. An existing config file is never overwritten.
func Bootstrap(ctx context.Context, opts BootstrapOptions, logger pslog.Logger) (BootstrapResult, error) {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	cfg := opts.Config
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return BootstrapResult{}, fmt.Errorf("config already exists at %s", path)
	} else if !os.IsNotExist(err) {
		return BootstrapResult{}, err
	}

	if strings.EqualFold(cfg.Server.TLS.Mode, string(tlsmgr.ModeAuto)) {
		if _, err := tlsmgr.EnsureLocalServerCert(ctx, cfg.Server.TLS.Dir, cfg.Server.TLS.Hostname, logger); err != nil {
			return BootstrapResult{}, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return BootstrapResult{}, err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return BootstrapResult{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return BootstrapResult{}, err
	}
	result := BootstrapResult{ConfigPath: path}
	logger.Info("bootstrapped config", "path", path)

	users, err := UsersList(cfg.Server.UsersFile)
	if err != nil {
		return result, err
	}
	if len(users) > 0 {
		return result, nil
	}
	username := opts.AdminUsername
	if username == "" {
		username = "admin"
	}
	admin, err := UsersAdd(cfg.Server.UsersFile, UserCreateOptions{
		Username: username,
		Role:     RoleSuperAdmin,
		TOTP:     opts.AdminTOTP,
	})
	if err != nil {
		return result, err
	}
	result.Admin = &admin
	logger.Info("created super admin", "username", username, "users_file", cfg.Server.UsersFile)
	return result, nil
}
