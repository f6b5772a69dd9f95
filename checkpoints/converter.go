package checkpoints

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agrisense/agroml/mlerr"
)

// Converter turns an exported ONNX file into another format.
type Converter interface {
	// Available reports why the converter cannot run, wrapping
	// mlerr.ErrUnavailableConverter, or nil when it can.
	Available() error
	Convert(ctx context.Context, onnxPath, outputPath string) error
}

// CommandConverter runs an external tool. "{input}" and "{output}" in the
// arguments are replaced with the ONNX path and the target path.
type CommandConverter struct {
	Format  string
	Command []string
}

// NewCommandConverter copies command so later changes to the caller's slice
// have no effect.
func NewCommandConverter(format string, command []string) *CommandConverter {
	return &CommandConverter{Format: format, Command: append([]string(nil), command...)}
}

// Available checks that a command is configured and its program is on PATH.
func (c *CommandConverter) Available() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("%w: no converter command configured for %s", mlerr.ErrUnavailableConverter, c.Format)
	}
	if _, err := exec.LookPath(c.Command[0]); err != nil {
		return fmt.Errorf("%w: %s converter %q: %v", mlerr.ErrUnavailableConverter, c.Format, c.Command[0], err)
	}
	return nil
}

// Convert runs the command and includes its output in any error.
func (c *CommandConverter) Convert(ctx context.Context, onnxPath, outputPath string) error {
	if err := c.Available(); err != nil {
		return err
	}
	r := strings.NewReplacer("{input}", onnxPath, "{output}", outputPath)
	args := make([]string, len(c.Command)-1)
	for i, arg := range c.Command[1:] {
		args[i] = r.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s conversion failed: %w: %s", c.Format, err, strings.TrimSpace(out.String()))
	}
	return nil
}
