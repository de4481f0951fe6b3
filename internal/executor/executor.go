package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Command is one external process invocation, kept structured until the
// execution boundary.
type Command struct {
	// Runtime names the isolated environment the process runs in: a conda
	// environment for the shell executor, an image key for the docker executor.
	Runtime    string
	Executable string
	Args       []string
	Env        map[string]string
	Dir        string
}

// Line renders the command as a single shell-quoted line.
func (c Command) Line() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Executable))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// EnvList returns cmd.Env as sorted KEY=VALUE pairs followed by the device restriction.
func (c Command) EnvList(devices []string) []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, c.Env[k]))
	}
	if len(devices) > 0 {
		env = append(env, "CUDA_VISIBLE_DEVICES="+strings.Join(devices, ","))
	}
	return env
}

func (c Command) String() string {
	if c.Runtime == "" {
		return c.Line()
	}
	return fmt.Sprintf("[%s] %s", c.Runtime, c.Line())
}

// Quote returns s quoted for a POSIX shell when it contains anything outside a
// conservative safe set.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafeShellRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isSafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_-+=./:,@%", r)
}

// Result holds the outcome of one process execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error // For errors during the execution setup or process itself
	Duration time.Duration
}

// Succeeded reports a clean zero exit.
func (r Result) Succeeded() bool {
	return r.Error == nil && r.ExitCode == 0
}

// Executor runs a command with its device visibility restricted to devices.
// An empty device list leaves visibility unrestricted. The executor reports
// what happened and never decides whether a stage failed.
type Executor interface {
	Execute(ctx context.Context, cmd Command, devices []string) Result
}
