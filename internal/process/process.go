package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/crawlnode/internal/logging"
)

// ExitKilled is the exit code reported when the process had to be killed.
const ExitKilled = 137

// ErrAlreadyRunning is returned by Run when the process is already running.
var ErrAlreadyRunning = errors.New("process: already running")

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// OutputFunc adapts a function to OutputHandler.
type OutputFunc func(source, line string)

// HandleLine implements OutputHandler.
func (f OutputFunc) HandleLine(source, line string) {
	f(source, line)
}

// LogParser extracts a log level and message from an output line.
type LogParser func(line string) (level, msg string)

// Process runs one subprocess. Cancelling the context given to Run sends
// SIGINT and escalates to SIGKILL after the graceful timeout.
type Process struct {
	id     string
	args   []string
	logger logging.Logger

	outputLogger  logging.Logger
	logParser     LogParser
	outputHandler OutputHandler

	gracefulTimeout time.Duration
	killTimeout     time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	info Info
}

// New creates a process for args. A single argument containing spaces is
// split with shell-like quoting rules.
func New(id string, args []string, logger logging.Logger) *Process {
	return &Process{
		id:              id,
		args:            args,
		logger:          logger,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		info:            Info{ID: id, State: StateIdle},
	}
}

// SetOutputHandler receives every output line in addition to logging.
func (p *Process) SetOutputHandler(h OutputHandler) {
	p.outputHandler = h
}

// SetLogParser sets the logger and parser used for process output.
func (p *Process) SetLogParser(logger logging.Logger, parser LogParser) {
	p.outputLogger = logger
	p.logParser = parser
}

// SetTimeouts overrides the graceful and post-kill timeouts.
func (p *Process) SetTimeouts(graceful, kill time.Duration) {
	p.gracefulTimeout = graceful
	p.killTimeout = kill
}

// Args returns the command line.
func (p *Process) Args() []string {
	return p.args
}

// Info returns a snapshot of the process state.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Process) setState(state State, err error) {
	p.mu.Lock()
	p.info.State = state
	if err != nil {
		p.info.LastError = err
	}
	p.mu.Unlock()
}

// Run starts the subprocess and blocks until it exits. When ctx is cancelled
// the process is stopped gracefully. The returned error is nil for exit code
// zero and for a stop requested through ctx.
func (p *Process) Run(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.info.State == StateStarting || p.info.State == StateRunning || p.info.State == StateStopping {
		p.mu.Unlock()
		return 1, ErrAlreadyRunning
	}
	p.info.State = StateStarting
	p.mu.Unlock()

	processDone, outputDone, err := p.start()
	if err != nil {
		p.setState(StateError, err)
		return 1, err
	}
	defer func() {
		<-outputDone
		<-outputDone
	}()

	select {
	case <-ctx.Done():
		p.setState(StateStopping, nil)
		p.logger.Info("Stopping process", "id", p.id)
		p.sendStopSignal()
		code := p.waitForExit(processDone)
		p.setState(StateIdle, nil)
		return code, nil

	case waitErr := <-processDone:
		code := exitCodeFromError(waitErr)
		p.logger.Info("Process exited", "id", p.id, "exit_code", code)
		if code != 0 {
			err := fmt.Errorf("process %s exited with code %d", p.id, code)
			p.setState(StateError, err)
			return code, err
		}
		p.setState(StateIdle, nil)
		return 0, nil
	}
}

func (p *Process) start() (<-chan error, <-chan struct{}, error) {
	args := p.args
	if len(args) == 1 && strings.ContainsAny(args[0], " \t'\"") {
		parsed, err := ParseCommand(args[0])
		if err != nil {
			return nil, nil, err
		}
		args = parsed
	}
	if len(args) == 0 {
		return nil, nil, errors.New("empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err)
		return nil, nil, err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.info.State = StateRunning
	p.info.PID = cmd.Process.Pid
	p.info.StartedAt = time.Now()
	p.mu.Unlock()

	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid, "command", strings.Join(args, " "))

	outputDone := make(chan struct{}, 2)
	go func() {
		p.streamOutput(stdout, "stdout")
		outputDone <- struct{}{}
	}()
	go func() {
		p.streamOutput(stderr, "stderr")
		outputDone <- struct{}{}
	}()

	processDone := make(chan error, 1)
	go func() {
		processDone <- cmd.Wait()
	}()

	return processDone, outputDone, nil
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// sendStopSignal sends SIGINT without waiting.
func (p *Process) sendStopSignal() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "error", err)
	}
}

// waitForExit waits for the process after SIGINT, killing it on timeout.
func (p *Process) waitForExit(processDone <-chan error) int {
	select {
	case err := <-processDone:
		return exitCodeFromError(err)
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", p.gracefulTimeout)
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("Failed to kill process", "id", p.id, "error", err)
	}

	select {
	case <-processDone:
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal", "id", p.id)
	}
	return ExitKilled
}

func (p *Process) streamOutput(reader io.Reader, source string) {
	logger := p.outputLogger
	if logger == nil {
		logger = p.logger
	}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if p.outputHandler != nil {
			p.outputHandler.HandleLine(source, line)
		}

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}
		switch level {
		case "fatal", "error":
			logger.Error(msg)
		case "warning", "warn":
			logger.Warn(msg)
		case "debug", "trace":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
	}
}

// ParseCommand splits a command string into arguments. Single and double
// quotes group words and a backslash escapes the next character.
func ParseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quote rune
	pending := false

	runes := []rune(strings.TrimSpace(command))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
			pending = true
		case quote == 0 && (r == ' ' || r == '\t'):
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			pending = true
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unclosed quote in command")
	}
	if pending {
		args = append(args, current.String())
	}
	return args, nil
}

// LevelPrefixParser reads a leading "[level]" tag such as "[warning] disk full".
func LevelPrefixParser(line string) (level, msg string) {
	if !strings.HasPrefix(line, "[") {
		return "info", line
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return "info", line
	}
	return strings.ToLower(line[1:end]), strings.TrimSpace(line[end+1:])
}
