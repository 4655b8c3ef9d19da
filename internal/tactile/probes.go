package tactile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"psa/internal/logging"
	"psa/internal/rules"
	"psa/internal/validation"
)

// Options configures Local.
type Options struct {
	// Executor runs every spawned command. Defaults to a DirectExecutor.
	Executor Executor
	// Shell runs shell_check conditions and shell actions (default "sh").
	Shell string
	// Notify enables desktop notifications.
	Notify bool
	// ProcRoot is the procfs mount (default "/proc").
	ProcRoot string
	// LookPath resolves optional tools such as rpm or dnf.
	LookPath func(string) (string, error)
}

// Local implements rules.Probes and rules.Effects against the running host.
type Local struct {
	exec     Executor
	shell    string
	notify   bool
	procRoot string
	lookPath func(string) (string, error)
}

var (
	_ rules.Probes  = (*Local)(nil)
	_ rules.Effects = (*Local)(nil)
)

// NewLocal creates the host probes/effects.
func NewLocal(opts Options) *Local {
	l := &Local{
		exec:     opts.Executor,
		shell:    opts.Shell,
		notify:   opts.Notify,
		procRoot: opts.ProcRoot,
		lookPath: opts.LookPath,
	}
	if l.exec == nil {
		l.exec = NewDirectExecutor()
	}
	if l.shell == "" {
		l.shell = "sh"
	}
	if l.procRoot == "" {
		l.procRoot = "/proc"
	}
	if l.lookPath == nil {
		l.lookPath = exec.LookPath
	}
	return l
}

func (l *Local) run(ctx context.Context, binary string, args ...string) (*ExecutionResult, error) {
	res, err := l.exec.Execute(ctx, Command{Binary: binary, Arguments: args})
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return res, fmt.Errorf("%s: %s", binary, res.Error)
	}
	if res.Killed {
		return res, fmt.Errorf("%s: %s", binary, res.KillReason)
	}
	return res, nil
}

// ProcessRunning reports whether pgrep finds a process name matching pattern.
func (l *Local) ProcessRunning(ctx context.Context, pattern string) (bool, error) {
	if err := validation.ProcessPattern(pattern); err != nil {
		return false, err
	}
	res, err := l.run(ctx, "pgrep", pattern)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// ServiceState returns the `systemctl is-active` state of a unit. The
// command exits non-zero for inactive units, so only the output counts.
func (l *Local) ServiceState(ctx context.Context, name string) (string, error) {
	if err := validation.ServiceName(name); err != nil {
		return "", err
	}
	res, err := l.run(ctx, "systemctl", "is-active", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// FailedUnits lists failed user units (`systemctl --user --failed`).
func (l *Local) FailedUnits(ctx context.Context) ([]string, error) {
	if !l.has("systemctl") {
		return nil, rules.ErrUnsupported
	}
	res, err := l.run(ctx, "systemctl", "--user", "--failed", "--no-legend", "--plain")
	if err != nil {
		return nil, err
	}
	var units []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		units = append(units, fields[0])
	}
	return units, nil
}

// FileExists reports whether path exists.
func (l *Local) FileExists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// FileContains reports whether the file contains pattern as a substring.
func (l *Local) FileContains(_ context.Context, path, pattern string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(data), pattern), nil
}

// ModuleLoaded checks the module list in /proc/modules.
func (l *Local) ModuleLoaded(_ context.Context, name string) (bool, error) {
	if err := validation.ModuleName(name); err != nil {
		return false, err
	}
	f, err := os.Open(filepath.Join(l.procRoot, "modules"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, rules.ErrUnsupported
		}
		return false, err
	}
	defer f.Close()

	// /proc/modules spells modules with underscores
	want := strings.ReplaceAll(name, "-", "_")
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && fields[0] == want {
			return true, nil
		}
	}
	return false, sc.Err()
}

// ShellCheck runs command through the shell; exit code 0 is true.
func (l *Local) ShellCheck(ctx context.Context, command string) (bool, error) {
	res, err := l.run(ctx, l.shell, "-c", command)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// PortOpen reports whether a local socket is bound to port. TCP ports must
// be listening.
func (l *Local) PortOpen(_ context.Context, port uint16, protocol string) (bool, error) {
	proto := strings.ToLower(protocol)
	if proto == "" {
		proto = "tcp"
	}
	if proto != "tcp" && proto != "udp" {
		return false, fmt.Errorf("%w: protocol %q", rules.ErrUnsupported, protocol)
	}

	readable := false
	for _, table := range []string{proto, proto + "6"} {
		open, err := scanSocketTable(filepath.Join(l.procRoot, "net", table), port, proto == "tcp")
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		readable = true
		if open {
			return true, nil
		}
	}
	if !readable {
		return false, rules.ErrUnsupported
	}
	return false, nil
}

// tcpListen is the st column value of a listening TCP socket.
const tcpListen = "0A"

func scanSocketTable(path string, port uint16, listenOnly bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		i := strings.LastIndexByte(fields[1], ':')
		if i < 0 {
			continue
		}
		p, err := strconv.ParseUint(fields[1][i+1:], 16, 16)
		if err != nil || uint16(p) != port {
			continue
		}
		if !listenOnly || fields[3] == tcpListen {
			return true, nil
		}
	}
	return false, sc.Err()
}

// PackageInstalled asks the first available package database.
func (l *Local) PackageInstalled(ctx context.Context, name string) (bool, error) {
	if err := validation.PackageName(name); err != nil {
		return false, err
	}
	switch {
	case l.has("rpm"):
		res, err := l.run(ctx, "rpm", "-q", name)
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	case l.has("dpkg-query"):
		res, err := l.run(ctx, "dpkg-query", "-W", "-f=${Status}", name)
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0 && strings.Contains(res.Stdout, "install ok installed"), nil
	case l.has("pacman"):
		res, err := l.run(ctx, "pacman", "-Q", name)
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	}
	return false, rules.ErrUnsupported
}

func (l *Local) has(tool string) bool {
	_, err := l.lookPath(tool)
	return err == nil
}

// Metric reads a named host metric: load1, load5, load15,
// mem_used_percent or disk_used_percent (root filesystem).
func (l *Local) Metric(_ context.Context, name string) (float64, error) {
	switch name {
	case "load1", "load5", "load15":
		data, err := os.ReadFile(filepath.Join(l.procRoot, "loadavg"))
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(string(data))
		idx := map[string]int{"load1": 0, "load5": 1, "load15": 2}[name]
		if len(fields) <= idx {
			return 0, fmt.Errorf("malformed loadavg %q", data)
		}
		return strconv.ParseFloat(fields[idx], 64)
	case "mem_used_percent":
		return l.memUsedPercent()
	case "disk_used_percent":
		return diskUsedPercent("/")
	}
	logging.TactileDebug("unknown metric %q", name)
	return 0, fmt.Errorf("%w: metric %q", rules.ErrUnsupported, name)
}

func (l *Local) memUsedPercent() (float64, error) {
	f, err := os.Open(filepath.Join(l.procRoot, "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, errors.New("meminfo has no MemTotal")
	}
	return (total - available) / total * 100, nil
}
