// Package service provides systemd install/management for the proxy
// daemon — the out-of-scope "systemd/packaging integration" named in
// spec.md §1, kept as a thin shell around the core.
package service

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// BinDir is the default installation directory for the binary.
	BinDir = "/usr/local/bin"
	// BaseDir is the root config directory.
	BaseDir = "/etc/dualproxy"
	// ConfigsDir stores per-instance config files.
	ConfigsDir = "/etc/dualproxy/configs"
	// ServiceName is the systemd service name.
	ServiceName = "dualproxy"
)

// EnsureDirectories creates all required directories.
func EnsureDirectories() error {
	for _, d := range []string{BaseDir, ConfigsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// InstallBinary copies the currently running binary to /usr/local/bin/proxyd.
func InstallBinary() error {
	src, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	src, err = filepath.EvalSymlinks(src)
	if err != nil {
		return fmt.Errorf("resolve symlink: %w", err)
	}

	dst := filepath.Join(BinDir, "proxyd")
	if src == dst {
		fmt.Printf("Binary already at %s\n", dst)
		return nil
	}

	if err := copyFile(src, dst, 0755); err != nil {
		return fmt.Errorf("copy binary: %w", err)
	}
	fmt.Printf("Installed %s -> %s\n", filepath.Base(src), dst)
	return nil
}

// Install registers a config file as a systemd service and starts it.
func Install(configFile string) error {
	if err := EnsureDirectories(); err != nil {
		return err
	}
	if err := InstallBinary(); err != nil {
		return err
	}

	dstConfig := filepath.Join(ConfigsDir, filepath.Base(configFile))
	if err := copyFile(configFile, dstConfig, 0644); err != nil {
		return fmt.Errorf("copy config: %w", err)
	}
	fmt.Printf("Config copied to %s\n", dstConfig)

	unit := generateUnit(filepath.Join(BinDir, "proxyd"), dstConfig)
	unitPath := fmt.Sprintf("/etc/systemd/system/%s.service", ServiceName)
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write service file: %w", err)
	}
	fmt.Printf("Service file written to %s\n", unitPath)

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	if err := systemctl("enable", "--now", ServiceName); err != nil {
		return err
	}
	fmt.Printf("Service %s enabled and started\n", ServiceName)
	return nil
}

// Remove stops, disables, and removes the service.
func Remove() error {
	_ = systemctl("stop", ServiceName)
	_ = systemctl("disable", ServiceName)

	unitPath := fmt.Sprintf("/etc/systemd/system/%s.service", ServiceName)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove service file: %w", err)
	}

	_ = systemctl("daemon-reload")
	fmt.Printf("Service %s removed\n", ServiceName)
	return nil
}

// Logs shows journal logs for the service.
func Logs(lines int) error {
	if lines <= 0 {
		lines = 50
	}
	cmd := exec.Command("journalctl", "-u", ServiceName, "-n", fmt.Sprintf("%d", lines), "--no-pager")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Restart restarts the service.
func Restart() error {
	if err := systemctl("restart", ServiceName); err != nil {
		return err
	}
	fmt.Printf("Service %s restarted\n", ServiceName)
	return nil
}

func generateUnit(binPath, configPath string) string {
	return fmt.Sprintf(`[Unit]
Description=dualproxy forward proxy daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
Restart=on-failure
RestartSec=5
LimitNOFILE=65535
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=multi-user.target
`, binPath, configPath)
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
