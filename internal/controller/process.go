package controller

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/parallelpark/internal/errors"
	"github.com/mattjoyce/parallelpark/internal/protocol"
	"github.com/mattjoyce/parallelpark/internal/stack"
	"github.com/mattjoyce/parallelpark/internal/transport"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

type outcome struct {
	data json.RawMessage
	err  error
}

type readResult struct {
	text string
	err  error
}

// handle supervises one worker process.
type handle struct {
	cmd    *exec.Cmd
	ch     *transport.Channels
	logger *slog.Logger

	done     chan outcome
	exited   chan struct{}
	termOnce sync.Once
}

func (c *Controller) workerCommand() (string, []string, error) {
	if c.opts.WorkerPath != "" {
		return c.opts.WorkerPath, c.opts.WorkerArgs, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locate current executable: %w", err)
	}
	return self, c.opts.WorkerArgs, nil
}

// workerEnv builds the worker environment. exec.Cmd keeps the last value of
// a duplicated name, so the controller's own variables go last.
func (c *Controller) workerEnv(callID string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.opts.WorkerEnv))
	for k := range c.opts.WorkerEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.opts.WorkerEnv[k])
	}

	env = append(env,
		worker.EnvWorker+"=1",
		worker.EnvCallID+"="+callID,
	)
	if c.opts.LogLevel != "" {
		env = append(env, worker.EnvLogLevel+"="+c.opts.LogLevel)
	}
	return env
}

// spawn starts a worker with its request and response channels attached.
// Stdio is inherited.
func (c *Controller) spawn(callID string, logger *slog.Logger) (*handle, error) {
	path, args, err := c.workerCommand()
	if err != nil {
		return nil, &errors.SpawnError{Err: err}
	}

	ch, err := transport.Open()
	if err != nil {
		return nil, &errors.SpawnError{Err: err}
	}

	// Don't use CommandContext; termination is managed by terminate.
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = ch.ChildFiles()
	cmd.Env = c.workerEnv(callID)

	logger.Debug("spawning worker", "path", path)
	if err := cmd.Start(); err != nil {
		ch.Close()
		return nil, &errors.SpawnError{Err: err}
	}
	ch.ReleaseChildEnds()
	logger.Debug("worker started", "pid", cmd.Process.Pid)

	return &handle{
		cmd:    cmd,
		ch:     ch,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan outcome, 1),
		exited: make(chan struct{}),
	}, nil
}

// supervise sends the request, waits for the process to exit and interprets
// what it left behind. The outcome is delivered on h.done.
func (h *handle) supervise(req *protocol.Request, callSite string) {
	defer h.ch.Close()

	writeErr := make(chan error, 1)
	go func() {
		out := transport.NewWriter(h.ch.RequestWriter)
		err := protocol.EncodeRequest(out, req)
		if endErr := out.EndOutput(); err == nil {
			err = endErr
		}
		writeErr <- err
	}()

	response := make(chan readResult, 1)
	go func() {
		text, err := transport.ReadUntilClosed(h.ch.ResponseReader)
		response <- readResult{text: text, err: err}
	}()

	waitErr := h.cmd.Wait()
	close(h.exited)

	if err := <-writeErr; err != nil {
		h.logger.Debug("request not fully delivered", "error", err)
	}
	h.done <- h.interpret(waitErr, <-response, callSite)
}

// interpret turns the exit status and response text into the call's
// outcome. Abnormal exit takes precedence over whatever was written.
func (h *handle) interpret(waitErr error, resp readResult, callSite string) outcome {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if stderrors.As(waitErr, &exitErr) {
			pe := processError(exitErr)
			h.logger.Warn("worker exited abnormally", "error", pe)
			return outcome{err: pe}
		}
		return outcome{err: fmt.Errorf("wait for worker process: %w", waitErr)}
	}
	if resp.err != nil {
		return outcome{err: &errors.ProtocolError{Msg: "failed to read response", Raw: resp.text, Err: resp.err}}
	}

	decoded, err := protocol.DecodeResponse(resp.text)
	if err != nil {
		h.logger.Error("failed to decode worker response", "error", err)
		return outcome{err: &errors.ProtocolError{Msg: "failed to decode response", Raw: resp.text, Err: err}}
	}

	switch decoded.Type {
	case protocol.TypeSuccess:
		h.logger.Debug("call succeeded")
		return outcome{data: decoded.Data}
	case protocol.TypeError:
		h.logger.Debug("call failed", "name", decoded.Error.Name)
		return outcome{err: reconcile(decoded.Error, callSite)}
	default:
		return outcome{err: &errors.ProtocolError{Msg: fmt.Sprintf("unhandled result type: %s", decoded.Type), Raw: resp.text}}
	}
}

// reconcile rebuilds the worker's failure with a stack running from the
// failing frame through this dispatch path to the Delegate call site.
func reconcile(f *protocol.Failure, callSite string) *errors.ApplicationError {
	dispatch := stack.Capture("dispatch", 0)
	merged := stack.Reconcile(f.Stack, dispatch, callSite)
	return &errors.ApplicationError{
		Name:    f.Name,
		Message: f.Message,
		Stack:   stack.Compose(f.Name, f.Message, merged),
	}
}

func processError(exitErr *exec.ExitError) *errors.ProcessError {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return &errors.ProcessError{Signal: unix.SignalName(status.Signal())}
	}
	code := exitErr.ExitCode()
	return &errors.ProcessError{Code: &code}
}

// terminate asks the worker to stop with SIGTERM and kills it if it is still
// running after grace.
func (h *handle) terminate(grace time.Duration) {
	h.termOnce.Do(func() {
		h.logger.Warn("call cancelled, sending SIGTERM")
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			if stderrors.Is(err, os.ErrProcessDone) {
				return
			}
			h.logger.Error("failed to send SIGTERM", "error", err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.exited:
			h.logger.Info("worker exited after SIGTERM")
		case <-timer.C:
			h.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
			if err := h.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
				h.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
	})
}
