package encode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner invokes the external encoder process. It exists as an interface so
// tests can substitute a fake instead of shelling out to ffmpeg.
type Runner interface {
	// Run executes the named binary with args and waits for completion,
	// respecting ctx cancellation. A non-zero exit status is returned as an
	// error that includes the process's stderr.
	Run(ctx context.Context, name string, args ...string) error
}

// maxStderr bounds how much process stderr is carried in an error message.
const maxStderr = 1200

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements [Runner].
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

// LookPath reports whether the encoder binary is resolvable on PATH. Used by
// the readiness probe.
func LookPath(name string) error {
	_, err := exec.LookPath(name)
	return err
}
