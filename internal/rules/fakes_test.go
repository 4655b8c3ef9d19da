package rules

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// fakeProbes answers from maps; missing keys are false.
type fakeProbes struct {
	mu        sync.Mutex
	processes map[string]bool
	services  map[string]string
	files     map[string]string
	modules   map[string]bool
	shell     map[string]bool
	metrics   map[string]float64
	calls     int
}

func newFakeProbes() *fakeProbes {
	return &fakeProbes{
		processes: map[string]bool{},
		services:  map[string]string{},
		files:     map[string]string{},
		modules:   map[string]bool{},
		shell:     map[string]bool{},
		metrics:   map[string]float64{},
	}
}

func (f *fakeProbes) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeProbes) ProcessRunning(_ context.Context, p string) (bool, error) {
	f.count()
	return f.processes[p], nil
}

func (f *fakeProbes) ServiceState(_ context.Context, n string) (string, error) {
	f.count()
	s, ok := f.services[n]
	if !ok {
		return "", errors.New("no such unit")
	}
	return s, nil
}

func (f *fakeProbes) FileExists(_ context.Context, p string) (bool, error) {
	f.count()
	_, ok := f.files[p]
	return ok, nil
}

func (f *fakeProbes) FileContains(_ context.Context, p, pattern string) (bool, error) {
	f.count()
	content, ok := f.files[p]
	if !ok {
		return false, os.ErrNotExist
	}
	return strings.Contains(content, pattern), nil
}

func (f *fakeProbes) ModuleLoaded(_ context.Context, n string) (bool, error) {
	f.count()
	return f.modules[n], nil
}

func (f *fakeProbes) ShellCheck(_ context.Context, c string) (bool, error) {
	f.count()
	return f.shell[c], nil
}

func (f *fakeProbes) PortOpen(context.Context, uint16, string) (bool, error) {
	f.count()
	return false, ErrUnsupported
}

func (f *fakeProbes) PackageInstalled(context.Context, string) (bool, error) {
	f.count()
	return false, ErrUnsupported
}

func (f *fakeProbes) Metric(_ context.Context, n string) (float64, error) {
	f.count()
	v, ok := f.metrics[n]
	if !ok {
		return 0, ErrUnsupported
	}
	return v, nil
}

// fakeEffects records shell commands; commands listed in fail fail.
type fakeEffects struct {
	mu       sync.Mutex
	ran      []string
	fail     map[string]bool
	notified []string
	// block, when set, is waited on by Shell after entered is signalled.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeEffects) Shell(_ context.Context, cmd string, _ bool) (string, error) {
	f.mu.Lock()
	f.ran = append(f.ran, cmd)
	failing := f.fail[cmd]
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if failing {
		return "", errors.New("exit status 1")
	}
	return "ok: " + cmd, nil
}

func (f *fakeEffects) RestartService(_ context.Context, n string) (string, error) {
	return "Restarted service: " + n, nil
}

func (f *fakeEffects) EnableService(_ context.Context, n string) (string, error) {
	return "Enabled service: " + n, nil
}

func (f *fakeEffects) WriteFile(_ context.Context, p, _ string, _ os.FileMode) (string, error) {
	return "Wrote " + p, nil
}

func (f *fakeEffects) LoadModule(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}

func (f *fakeEffects) InstallPackage(context.Context, string) (string, error) {
	return "", ErrUnsupported
}

func (f *fakeEffects) Notify(_ context.Context, title, _ string) {
	f.mu.Lock()
	f.notified = append(f.notified, title)
	f.mu.Unlock()
}

func (f *fakeEffects) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type commitRecord struct {
	ruleID, version, author, message string
	snapshot                         []byte
}

type fakeCommitter struct {
	mu      sync.Mutex
	commits []commitRecord
}

func (f *fakeCommitter) Commit(_ context.Context, ruleID, version, author, message string, snapshot []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commitRecord{ruleID, version, author, message, snapshot})
	return uint64(len(f.commits)), nil
}

// fakeSolutions is an in-memory SolutionStore.
type fakeSolutions struct {
	sols []Solution
}

func (f *fakeSolutions) StoreSolution(_ context.Context, s Solution) (string, error) {
	f.sols = append(f.sols, s)
	return s.ID, nil
}

func (f *fakeSolutions) FindByCategory(_ context.Context, c string) ([]Solution, error) {
	var out []Solution
	for _, s := range f.sols {
		if s.Category == c {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSolutions) Search(context.Context, string) ([]Solution, error) {
	return append([]Solution(nil), f.sols...), nil
}

func (f *fakeSolutions) FindRelated(context.Context, string, int) ([]Solution, error) {
	return nil, nil
}

func (f *fakeSolutions) RecordOutcome(context.Context, string, bool) error { return nil }
