package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"go.uber.org/zap"
)

// Shell executor modes.
const (
	ModeConda  = "conda"
	ModeDirect = "direct"
)

// ShellOptions configures a ShellExecutor.
type ShellOptions struct {
	Mode         string
	Shell        string
	CondaSource  string
	StageTimeout time.Duration
	StreamOutput bool
}

// ShellExecutor runs commands as local processes, optionally inside a conda environment.
type ShellExecutor struct {
	opts   ShellOptions
	logger *zap.Logger
}

// NewShellExecutor creates a new ShellExecutor.
func NewShellExecutor(opts ShellOptions, logger *zap.Logger) *ShellExecutor {
	if opts.Mode == "" {
		opts.Mode = ModeConda
	}
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	return &ShellExecutor{opts: opts, logger: logger.Named("executor")}
}

// argv builds the process arguments for cmd.
func (se *ShellExecutor) argv(cmd Command) []string {
	if se.opts.Mode == ModeDirect {
		return append([]string{cmd.Executable}, cmd.Args...)
	}
	line := cmd.Line()
	if cmd.Runtime != "" {
		line = fmt.Sprintf("source %s && conda activate %s && %s && conda deactivate",
			Quote(se.opts.CondaSource), Quote(cmd.Runtime), line)
	}
	return []string{se.opts.Shell, "-c", line}
}

// Execute implements Executor.
func (se *ShellExecutor) Execute(ctx context.Context, cmd Command, devices []string) Result {
	logger := logging.EnrichLoggerWithContext(ctx, se.logger)

	if strings.TrimSpace(cmd.Executable) == "" {
		return Result{Error: fmt.Errorf("command has no executable"), ExitCode: -1}
	}

	var execCtx context.Context
	var cancel context.CancelFunc
	if se.opts.StageTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, se.opts.StageTimeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	argv := se.argv(cmd)
	proc := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.EnvList(devices)...)
	// Children of the shell may keep the pipes open after a kill.
	proc.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	proc.Stderr = &stderr
	var streamer *lineLogger
	if se.opts.StreamOutput {
		streamer = newLineLogger(logger)
		proc.Stdout = io.MultiWriter(&stdout, streamer)
	} else {
		proc.Stdout = &stdout
	}

	startTime := time.Now()
	logger.Info("Executing command",
		zap.String("runtime", cmd.Runtime),
		zap.String("command", cmd.Line()),
		zap.Strings("devices", devices))

	runErr := proc.Run()
	if streamer != nil {
		streamer.Flush()
	}

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = -2 // Specific code for timeout
		result.Error = fmt.Errorf("command timed out after %v", se.opts.StageTimeout)
		logger.Warn("Command execution timed out", zap.String("command", cmd.Executable))
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Error = fmt.Errorf("command cancelled: %w", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Errorf("command exited with code %d: %w", result.ExitCode, apperrors.ErrNonZeroExit)
		} else {
			result.ExitCode = -1 // Generic error
			result.Error = fmt.Errorf("command execution failed: %w", runErr)
			logger.Error("Command failed to start", zap.String("command", cmd.Executable), zap.Error(runErr))
		}
	}

	logger.Info("Command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
		zap.Int("stdout_bytes", len(result.Stdout)),
		zap.Int("stderr_bytes", len(result.Stderr)))

	return result
}

// lineLogger forwards complete output lines to the logger.
type lineLogger struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    bytes.Buffer
}

func newLineLogger(logger *zap.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Partial line: put it back until the newline arrives.
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.logger.Info(strings.TrimRight(line, "\r\n"), zap.String("stream", "stdout"))
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(&l.buf)
	for sc.Scan() {
		if text := sc.Text(); text != "" {
			l.logger.Info(text, zap.String("stream", "stdout"))
		}
	}
	l.buf.Reset()
}
