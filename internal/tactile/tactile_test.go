package tactile

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"psa/internal/rules"
	"psa/internal/validation"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDirectExecutor_Execute(t *testing.T) {
	requireShell(t)
	var mu sync.Mutex
	var events []AuditEventType
	executor := NewDirectExecutorWithConfig(ExecutorConfig{
		AuditCallback: func(e AuditEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e.Type)
		},
	})

	result, err := executor.Execute(context.Background(), Command{Binary: "sh", Arguments: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != AuditEventStart || events[1] != AuditEventComplete {
		t.Errorf("audit events = %v", events)
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	requireShell(t)
	result, err := NewDirectExecutor().Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsNonZeroExit() || result.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Output(), "oops") {
		t.Errorf("output = %q", result.Output())
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	result, err := NewDirectExecutor().Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "sleep 10"},
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Killed {
		t.Fatalf("expected killed, got %+v", result)
	}
	if result.OK() {
		t.Error("killed command must not be OK")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestDirectExecutor_Truncation(t *testing.T) {
	requireShell(t)
	executor := NewDirectExecutorWithConfig(ExecutorConfig{MaxOutputBytes: 4})
	result, err := executor.Execute(context.Background(), Command{Binary: "sh", Arguments: []string{"-c", "echo 0123456789"}})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Truncated || result.Stdout != "0123" {
		t.Errorf("stdout = %q truncated=%v", result.Stdout, result.Truncated)
	}
}

func TestDirectExecutor_MissingBinary(t *testing.T) {
	result, err := NewDirectExecutor().Execute(context.Background(), Command{Binary: "definitely-not-a-binary-psa"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError() {
		t.Errorf("expected infrastructure error, got %+v", result)
	}
}

// recordingExecutor answers every command with a canned result.
type recordingExecutor struct {
	mu     sync.Mutex
	calls  []Command
	result ExecutionResult
}

func (r *recordingExecutor) Execute(_ context.Context, cmd Command) (*ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	res := r.result
	return &res, nil
}

func TestProbesValidateBeforeSpawn(t *testing.T) {
	rec := &recordingExecutor{result: ExecutionResult{Success: true}}
	l := NewLocal(Options{Executor: rec})
	ctx := context.Background()

	if _, err := l.ServiceState(ctx, "sshd; rm -rf /"); !errors.Is(err, validation.ErrInvalid) {
		t.Errorf("ServiceState err = %v, want ErrInvalid", err)
	}
	if _, err := l.ProcessRunning(ctx, "$(reboot)"); !errors.Is(err, validation.ErrInvalid) {
		t.Errorf("ProcessRunning err = %v, want ErrInvalid", err)
	}
	if _, err := l.RestartService(ctx, "a b"); !errors.Is(err, validation.ErrInvalid) {
		t.Errorf("RestartService err = %v, want ErrInvalid", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("spawned %d commands for invalid input", len(rec.calls))
	}

	if _, err := l.ProcessRunning(ctx, "nvidia-*"); err != nil {
		t.Fatal(err)
	}
	if got := rec.calls[0].CommandString(); got != "pgrep nvidia-*" {
		t.Errorf("command = %q", got)
	}
}

func TestServiceStateUsesOutputOnNonZeroExit(t *testing.T) {
	rec := &recordingExecutor{result: ExecutionResult{Success: true, ExitCode: 3, Stdout: "inactive\n"}}
	l := NewLocal(Options{Executor: rec})

	state, err := l.ServiceState(context.Background(), "sshd.service")
	if err != nil {
		t.Fatal(err)
	}
	if state != "inactive" {
		t.Errorf("state = %q", state)
	}
}

func TestShellSudoAndFailure(t *testing.T) {
	rec := &recordingExecutor{result: ExecutionResult{Success: true, ExitCode: 1, Stderr: "permission denied\n"}}
	l := NewLocal(Options{Executor: rec, Shell: "bash"})

	_, err := l.Shell(context.Background(), "systemctl restart foo", true)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("err = %v", err)
	}
	if got := rec.calls[0].CommandString(); got != "sudo -n bash -c systemctl restart foo" {
		t.Errorf("command = %q", got)
	}
}

func TestShellCheckRealShell(t *testing.T) {
	requireShell(t)
	l := NewLocal(Options{})
	ctx := context.Background()

	ok, err := l.ShellCheck(ctx, "true")
	if err != nil || !ok {
		t.Errorf("ShellCheck(true) = %v, %v", ok, err)
	}
	ok, err = l.ShellCheck(ctx, "exit 1")
	if err != nil || ok {
		t.Errorf("ShellCheck(exit 1) = %v, %v", ok, err)
	}
}

func fakeProc(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestModuleLoaded(t *testing.T) {
	root := fakeProc(t, map[string]string{
		"modules": "nvidia_drm 86016 2 - Live 0x0000000000000000\nsnd_hda_intel 61440 3 - Live 0x0000000000000000\n",
	})
	l := NewLocal(Options{ProcRoot: root})
	ctx := context.Background()

	for name, want := range map[string]bool{"nvidia-drm": true, "nvidia_drm": true, "nvidia": false, "snd_hda_intel": true} {
		got, err := l.ModuleLoaded(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ModuleLoaded(%s) = %v, want %v", name, got, want)
		}
	}

	empty := NewLocal(Options{ProcRoot: t.TempDir()})
	if _, err := empty.ModuleLoaded(ctx, "nvidia"); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("missing /proc/modules err = %v", err)
	}
}

func TestPortOpen(t *testing.T) {
	header := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
	root := fakeProc(t, map[string]string{
		// 8080 listening, 5432 established only
		"net/tcp": header +
			"   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 1 1 0\n" +
			"   1: 0100007F:1538 0100007F:D2F0 01 00000000:00000000 00:00000000 00000000  1000        0 2 1 0\n",
		"net/udp": header +
			"   0: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 3 2 0\n",
	})
	l := NewLocal(Options{ProcRoot: root})
	ctx := context.Background()

	tests := []struct {
		port  uint16
		proto string
		want  bool
	}{
		{8080, "tcp", true},
		{8080, "", true},
		{5432, "tcp", false},
		{53, "udp", true},
		{53, "tcp", false},
	}
	for _, tt := range tests {
		got, err := l.PortOpen(ctx, tt.port, tt.proto)
		if err != nil {
			t.Fatalf("PortOpen(%d/%s): %v", tt.port, tt.proto, err)
		}
		if got != tt.want {
			t.Errorf("PortOpen(%d/%s) = %v, want %v", tt.port, tt.proto, got, tt.want)
		}
	}

	if _, err := l.PortOpen(ctx, 1, "sctp"); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("sctp err = %v", err)
	}
}

func TestMetric(t *testing.T) {
	root := fakeProc(t, map[string]string{
		"loadavg": "0.52 1.25 2.00 1/456 7890\n",
		"meminfo": "MemTotal:       1000 kB\nMemFree:         100 kB\nMemAvailable:    250 kB\n",
	})
	l := NewLocal(Options{ProcRoot: root})
	ctx := context.Background()

	for name, want := range map[string]float64{"load1": 0.52, "load5": 1.25, "load15": 2, "mem_used_percent": 75} {
		got, err := l.Metric(ctx, name)
		if err != nil {
			t.Fatalf("Metric(%s): %v", name, err)
		}
		if got != want {
			t.Errorf("Metric(%s) = %v, want %v", name, got, want)
		}
	}
	if _, err := l.Metric(ctx, "gpu_temp"); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("unknown metric err = %v", err)
	}
}

func TestPackageManagersUnavailable(t *testing.T) {
	rec := &recordingExecutor{}
	l := NewLocal(Options{
		Executor: rec,
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	})
	ctx := context.Background()

	if _, err := l.PackageInstalled(ctx, "htop"); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("PackageInstalled err = %v", err)
	}
	if _, err := l.InstallPackage(ctx, "htop"); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("InstallPackage err = %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("unexpected spawns: %v", rec.calls)
	}
}

func TestPackageInstalledDpkg(t *testing.T) {
	rec := &recordingExecutor{result: ExecutionResult{Success: true, Stdout: "install ok installed"}}
	l := NewLocal(Options{
		Executor: rec,
		LookPath: func(name string) (string, error) {
			if name == "dpkg-query" {
				return "/usr/bin/dpkg-query", nil
			}
			return "", exec.ErrNotFound
		},
	})
	ok, err := l.PackageInstalled(context.Background(), "libc6:amd64")
	if err != nil || !ok {
		t.Errorf("PackageInstalled = %v, %v", ok, err)
	}
}

func TestWriteFileMode(t *testing.T) {
	l := NewLocal(Options{})
	path := filepath.Join(t.TempDir(), "blacklist.conf")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := l.WriteFile(context.Background(), path, "blacklist nouveau\n", 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %o", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if string(data) != "blacklist nouveau\n" {
		t.Errorf("content = %q", data)
	}
}

func TestNotifyDisabledDoesNotSpawn(t *testing.T) {
	rec := &recordingExecutor{}
	l := NewLocal(Options{Executor: rec, Notify: false})
	l.Notify(context.Background(), "title", "body")
	if len(rec.calls) != 0 {
		t.Errorf("notify spawned %v", rec.calls)
	}
}

func TestFailedUnits(t *testing.T) {
	rec := &recordingExecutor{result: ExecutionResult{Success: true, Stdout: "backup.service loaded failed failed Nightly backup\nsync.timer loaded failed failed Sync\n\n"}}
	l := NewLocal(Options{
		Executor: rec,
		LookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
	})

	units, err := l.FailedUnits(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0] != "backup.service" || units[1] != "sync.timer" {
		t.Errorf("units = %v", units)
	}
	if got := rec.calls[0].CommandString(); got != "systemctl --user --failed --no-legend --plain" {
		t.Errorf("command = %q", got)
	}

	none := NewLocal(Options{
		Executor: rec,
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	})
	if _, err := none.FailedUnits(context.Background()); !errors.Is(err, rules.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}
