package main

import (
	"fmt"
	"strconv"
	"strings"

	"psa/internal/rules"
)

// parseCondition reads the compact --when syntax:
//
//	process:<pattern>            service:<name>=<state>
//	file:<path>                  contains:<path>=<pattern>
//	metric:<name><op><value>     port:<port>[/tcp|/udp]
//	package:<name>               module:<name>
//	shell:<command>
//
// A leading '!' negates the condition.
func parseCondition(spec string) (rules.Condition, error) {
	if rest, ok := strings.CutPrefix(spec, "!"); ok {
		c, err := parseCondition(rest)
		if err != nil {
			return rules.Condition{}, err
		}
		return rules.Not(c), nil
	}

	kind, arg, ok := strings.Cut(spec, ":")
	if !ok || arg == "" {
		return rules.Condition{}, fmt.Errorf("condition %q: want kind:argument", spec)
	}
	switch kind {
	case "process":
		return rules.ProcessRunning(arg), nil
	case "service":
		name, state, ok := strings.Cut(arg, "=")
		if !ok {
			state = "active"
		}
		return rules.ServiceState(name, state), nil
	case "file":
		return rules.FileExists(arg), nil
	case "contains":
		path, pattern, ok := strings.Cut(arg, "=")
		if !ok {
			return rules.Condition{}, fmt.Errorf("condition %q: want contains:<path>=<pattern>", spec)
		}
		return rules.FileContains(path, pattern), nil
	case "metric":
		return parseMetric(spec, arg)
	case "port":
		portStr, proto, ok := strings.Cut(arg, "/")
		if !ok {
			proto = "tcp"
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return rules.Condition{}, fmt.Errorf("condition %q: bad port: %w", spec, err)
		}
		return rules.PortOpen(uint16(port), proto), nil
	case "package":
		return rules.PackageInstalled(arg), nil
	case "module":
		return rules.ModuleLoaded(arg), nil
	case "shell":
		return rules.ShellCheck(arg), nil
	}
	return rules.Condition{}, fmt.Errorf("condition %q: unknown kind %q", spec, kind)
}

// metricOps is ordered so two-character operators match first.
var metricOps = []string{">=", "<=", "==", "!=", ">", "<"}

func parseMetric(spec, arg string) (rules.Condition, error) {
	for _, op := range metricOps {
		name, value, ok := strings.Cut(arg, op)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return rules.Condition{}, fmt.Errorf("condition %q: bad value: %w", spec, err)
		}
		return rules.MetricThreshold(strings.TrimSpace(name), op, v), nil
	}
	return rules.Condition{}, fmt.Errorf("condition %q: want metric:<name><op><value>", spec)
}

// parseAction reads the compact --then syntax:
//
//	shell:<command>      sudo:<command>
//	restart:<service>    enable:<service>
//	install:<package>    modprobe:<module> [options]
//	write:<path>=<content>
//	notify:<title>[=<body>]
//	log:<message>        escalate:<reason>
func parseAction(spec string) (rules.Action, error) {
	kind, arg, ok := strings.Cut(spec, ":")
	if !ok || arg == "" {
		return rules.Action{}, fmt.Errorf("action %q: want kind:argument", spec)
	}
	switch kind {
	case "shell":
		return rules.Shell(arg, false), nil
	case "sudo":
		return rules.Shell(arg, true), nil
	case "restart":
		return rules.RestartService(arg), nil
	case "enable":
		return rules.EnableService(arg), nil
	case "install":
		return rules.InstallPackage(arg), nil
	case "modprobe":
		name, options, _ := strings.Cut(arg, " ")
		return rules.LoadModule(name, strings.TrimSpace(options)), nil
	case "write":
		path, content, ok := strings.Cut(arg, "=")
		if !ok {
			return rules.Action{}, fmt.Errorf("action %q: want write:<path>=<content>", spec)
		}
		return rules.WriteFile(path, content, "0644"), nil
	case "notify":
		title, body, _ := strings.Cut(arg, "=")
		return rules.Notify(title, body), nil
	case "log":
		return rules.Log("info", arg), nil
	case "escalate":
		return rules.Escalate(arg), nil
	}
	return rules.Action{}, fmt.Errorf("action %q: unknown kind %q", spec, kind)
}

func parseConditions(specs []string) ([]rules.Condition, error) {
	out := make([]rules.Condition, 0, len(specs))
	for _, s := range specs {
		c, err := parseCondition(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseActions(specs []string) ([]rules.Action, error) {
	out := make([]rules.Action, 0, len(specs))
	for _, s := range specs {
		a, err := parseAction(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
