package assistant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultCommand         = "claude"
	defaultWaitDelay       = 5 * time.Second
	defaultScannerBufSize  = 64 * 1024
	defaultScannerMaxBytes = 16 * 1024 * 1024
	stderrTailBytes        = 2048
)

type ProcessOptions struct {
	Path           string
	WorkDir        string
	Model          string
	PermissionMode string
	ExtraArgs      []string
	Env            []string
	// WaitDelay bounds how long a cancelled process may keep running after
	// SIGINT before it is killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Process runs each query as a `claude -p --output-format stream-json`
// subprocess. Conversation state lives in the CLI and is carried across
// queries by --resume.
type Process struct {
	opts   ProcessOptions
	logger *slog.Logger
}

func NewProcess(opts ProcessOptions) *Process {
	opts.Path = strings.TrimSpace(opts.Path)
	if opts.Path == "" {
		opts.Path = defaultCommand
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{opts: opts, logger: logger}
}

func (p *Process) Args(req Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if id := strings.TrimSpace(req.SessionID); id != "" {
		args = append(args, "--resume", id)
	}
	if m := strings.TrimSpace(p.opts.Model); m != "" {
		args = append(args, "--model", m)
	}
	if pm := strings.TrimSpace(p.opts.PermissionMode); pm != "" {
		args = append(args, "--permission-mode", pm)
	}
	for _, a := range p.opts.ExtraArgs {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return args
}

func (p *Process) Query(ctx context.Context, req Request, emit func(Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	binaryPath, err := exec.LookPath(p.opts.Path)
	if err != nil {
		return fmt.Errorf("claude CLI not found (%s): %w", p.opts.Path, err)
	}

	cmd := exec.CommandContext(ctx, binaryPath, p.Args(req)...)
	if dir := strings.TrimSpace(p.opts.WorkDir); dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = p.opts.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start claude CLI: %w", err)
	}
	p.logger.Debug("assistant_process_start", "pid", cmd.Process.Pid, "resume", req.SessionID != "")

	parser := newStreamParser(emit)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerMaxBytes)
	for scanner.Scan() {
		if err := parser.handleLine(scanner.Bytes()); err != nil {
			p.logger.Debug("assistant_stream_line_skipped", "error", err.Error())
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	p.logger.Debug("assistant_process_exit",
		"exit_code", exitCode,
		"done", parser.done,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if parser.resultErr != nil {
		return parser.resultErr
	}
	if parser.done {
		return nil
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %v%s", ErrProcessExited, waitErr, stderr.suffix())
	}
	if scanErr != nil {
		return fmt.Errorf("%w: read output: %v", ErrProcessExited, scanErr)
	}
	return fmt.Errorf("%w: stream ended without a result%s", ErrProcessExited, stderr.suffix())
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
