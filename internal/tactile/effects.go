package tactile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"psa/internal/logging"
	"psa/internal/rules"
	"psa/internal/validation"
)

// notifyTimeout bounds a detached notify-send.
const notifyTimeout = 10 * time.Second

// Shell runs command through the shell, elevated with non-interactive sudo
// when requested. A non-zero exit is an error carrying stderr.
func (l *Local) Shell(ctx context.Context, command string, sudo bool) (string, error) {
	binary, args := l.shell, []string{"-c", command}
	if sudo {
		binary, args = "sudo", append([]string{"-n", l.shell}, args...)
	}
	return l.effect(ctx, binary, args...)
}

// RestartService restarts a systemd unit.
func (l *Local) RestartService(ctx context.Context, name string) (string, error) {
	if err := validation.ServiceName(name); err != nil {
		return "", err
	}
	if _, err := l.effect(ctx, "systemctl", "restart", name); err != nil {
		return "", err
	}
	return "Restarted service: " + name, nil
}

// EnableService enables a systemd unit.
func (l *Local) EnableService(ctx context.Context, name string) (string, error) {
	if err := validation.ServiceName(name); err != nil {
		return "", err
	}
	if _, err := l.effect(ctx, "systemctl", "enable", name); err != nil {
		return "", err
	}
	return "Enabled service: " + name, nil
}

// WriteFile writes content to path and sets its mode.
func (l *Local) WriteFile(_ context.Context, path, content string, mode os.FileMode) (string, error) {
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return "", err
	}
	if err := os.Chmod(path, mode); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// LoadModule loads a kernel module with optional space-separated options.
func (l *Local) LoadModule(ctx context.Context, name, options string) (string, error) {
	if err := validation.ModuleName(name); err != nil {
		return "", err
	}
	args := append([]string{name}, strings.Fields(options)...)
	if _, err := l.effect(ctx, "modprobe", args...); err != nil {
		return "", err
	}
	return "Loaded module: " + name, nil
}

// InstallPackage installs a package with the first available manager.
func (l *Local) InstallPackage(ctx context.Context, name string) (string, error) {
	if err := validation.PackageName(name); err != nil {
		return "", err
	}
	var argv []string
	switch {
	case l.has("dnf"):
		argv = []string{"dnf", "install", "-y", name}
	case l.has("apt-get"):
		argv = []string{"apt-get", "install", "-y", name}
	case l.has("zypper"):
		argv = []string{"zypper", "--non-interactive", "install", name}
	case l.has("pacman"):
		argv = []string{"pacman", "-S", "--noconfirm", name}
	default:
		return "", rules.ErrUnsupported
	}
	if os.Geteuid() != 0 {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	if _, err := l.effect(ctx, argv[0], argv[1:]...); err != nil {
		return "", err
	}
	return "Installed package: " + name, nil
}

// Notify sends a desktop notification in the background and never fails.
func (l *Local) Notify(ctx context.Context, title, body string) {
	if !l.notify {
		logging.TactileDebug("notification suppressed: %s", title)
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		res, err := l.exec.Execute(nctx, Command{Binary: "notify-send", Arguments: []string{title, body}})
		if err != nil || !res.OK() {
			logging.TactileDebug("notify-send failed: %v", err)
		}
	}()
}

// effect runs a command whose non-zero exit is a failure.
func (l *Local) effect(ctx context.Context, binary string, args ...string) (string, error) {
	res, err := l.run(ctx, binary, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return "", fmt.Errorf("command failed: %s", msg)
	}
	return res.Stdout, nil
}
