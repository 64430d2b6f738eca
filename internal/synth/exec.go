package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
}

// NewExecBackend runs command once per chunk. The command reads one JSON
// request on stdin and writes one JSON response on stdout.
func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (e *execBackend) Synthesize(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, fmt.Errorf("%w: %v", narration.ErrBackendError, ctxErr)
	}

	var resp wireResponse
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil {
			return Result{}, fmt.Errorf("%w: decode synth output: %v", narration.ErrBackendError, err)
		}
		if resp.ErrorKind != "" || resp.Error != "" {
			return resp.result()
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return Result{}, fmt.Errorf("%w: synth command failed: %s", narration.ErrBackendError, msg)
		}
		return Result{}, fmt.Errorf("%w: %v", narration.ErrBackendError, runErr)
	}
	if len(out) == 0 {
		return Result{}, fmt.Errorf("%w: synth command produced no output", narration.ErrBackendError)
	}
	return resp.result()
}
