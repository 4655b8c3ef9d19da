//go:build windows

package tactile

import (
	"os/exec"

	"psa/internal/rules"
)

func setupProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func diskUsedPercent(string) (float64, error) { return 0, rules.ErrUnsupported }
