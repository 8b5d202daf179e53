// Package svcmgr manages the agent's and supervisor's OS-level services
// across launchd (macOS) and systemd (Linux) user units. Every exec.Command
// invocation here uses fixed, hardcoded arguments — no caller-supplied
// strings ever reach a shell.
package svcmgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/flatlinehq/flatline/internal/ferrors"
)

// Kind identifies the detected service manager.
type Kind int

const (
	Launchd Kind = iota
	Systemd
)

const (
	launchdAgentPlist    = "com.wintermute.agent.plist"
	launchdFlatlinePlist = "com.wintermute.flatline.plist"
	systemdAgentUnit     = "wintermute.service"
	systemdFlatlineUnit  = "flatline.service"
	execTimeout          = 30 * time.Second
)

// Manager drives service stop/start/install for a detected Kind.
type Manager struct {
	kind Kind
	log  *slog.Logger
}

// New creates a Manager for the given detected kind.
func New(kind Kind, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{kind: kind, log: log}
}

// Detect reports which service manager has the agent's service file
// installed, or false if neither does (the user runs processes manually).
func Detect() (Kind, bool) {
	if runtime.GOOS == "darwin" {
		if dir, err := launchdAgentsDir(); err == nil {
			if _, err := os.Stat(filepath.Join(dir, launchdAgentPlist)); err == nil {
				return Launchd, true
			}
		}
	}
	if runtime.GOOS == "linux" {
		if dir, err := systemdUserDir(); err == nil {
			if _, err := os.Stat(filepath.Join(dir, systemdAgentUnit)); err == nil {
				return Systemd, true
			}
		}
	}
	return 0, false
}

func launchdAgentsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents"), nil
}

func systemdUserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

// serviceFile maps a logical service name ("agent" or "supervisor") to the
// unit/plist file name for the manager's kind.
func (m *Manager) serviceFile(name string) (string, error) {
	switch m.kind {
	case Launchd:
		switch name {
		case "agent":
			return launchdAgentPlist, nil
		case "supervisor":
			return launchdFlatlinePlist, nil
		}
	case Systemd:
		switch name {
		case "agent":
			return systemdAgentUnit, nil
		case "supervisor":
			return systemdFlatlineUnit, nil
		}
	}
	return "", fmt.Errorf("unknown service name %q", name)
}

// Stop stops the named service. Non-zero exit (service not loaded or not
// running) is logged, not treated as an error — stop must be idempotent.
func (m *Manager) Stop(name string) error {
	switch m.kind {
	case Launchd:
		dir, err := launchdAgentsDir()
		if err != nil {
			return err
		}
		file, err := m.serviceFile(name)
		if err != nil {
			return err
		}
		m.runTolerant("launchctl", "unload", filepath.Join(dir, file))
	case Systemd:
		unit, err := m.serviceFile(name)
		if err != nil {
			return err
		}
		m.runTolerant("systemctl", "--user", "stop", unit)
	}
	return nil
}

// Start starts the named service, returning an error if the command fails.
func (m *Manager) Start(name string) error {
	switch m.kind {
	case Launchd:
		dir, err := launchdAgentsDir()
		if err != nil {
			return err
		}
		file, err := m.serviceFile(name)
		if err != nil {
			return err
		}
		return m.runStrict("launchctl", "load", filepath.Join(dir, file))
	case Systemd:
		unit, err := m.serviceFile(name)
		if err != nil {
			return err
		}
		return m.runStrict("systemctl", "--user", "start", unit)
	}
	return fmt.Errorf("unknown service manager kind %d", m.kind)
}

// Install copies service files out of distDir into the platform's service
// directory, then (for systemd) reloads the daemon so it sees them. A
// missing source directory for this manager's kind is tolerated — not
// every release ships service files.
func (m *Manager) Install(distDir string) error {
	switch m.kind {
	case Launchd:
		src := filepath.Join(distDir, "launchd")
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			m.log.Info("no launchd directory in dist archive, skipping service file install")
			return nil
		}
		dest, err := launchdAgentsDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dest, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if err := copyIfExists(filepath.Join(src, launchdAgentPlist), dest); err != nil {
			return err
		}
		return copyIfExists(filepath.Join(src, launchdFlatlinePlist), dest)

	case Systemd:
		src := filepath.Join(distDir, "systemd")
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			m.log.Info("no systemd directory in dist archive, skipping service file install")
			return nil
		}
		dest, err := systemdUserDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dest, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if err := copyIfExists(filepath.Join(src, systemdAgentUnit), dest); err != nil {
			return err
		}
		if err := copyIfExists(filepath.Join(src, systemdFlatlineUnit), dest); err != nil {
			return err
		}
		return m.runStrict("systemctl", "--user", "daemon-reload")
	}
	return nil
}

func copyIfExists(source, destDir string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", source, err)
	}
	dest := filepath.Join(destDir, filepath.Base(source))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func (m *Manager) runStrict(name string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: run %s %v: %s", ferrors.ErrServiceControlFailure, name, args, err)
	}
	return nil
}

func (m *Manager) runTolerant(name string, args ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		m.log.Debug("service command returned non-zero, tolerated", "command", name, "args", args, "error", err)
	}
}
