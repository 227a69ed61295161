package mcpmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// wireRequest / wireResponse are the line-delimited JSON messages exchanged
// with an external tool-execution process over its stdin/stdout.
type wireRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

type wireResponse struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// ProcessTransport spawns one external process and speaks a single-duplex,
// line-delimited JSON protocol over its stdin/stdout: write one wireRequest,
// read exactly one wireResponse line back. Modeled directly on the
// teacher's Worker.Start/monitor/waitForReady/Kill lifecycle, adapted from
// an HTTP-polled child process to a stdio-piped one.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu    sync.Mutex
	dead  bool
	exitC chan struct{}

	log zerolog.Logger
}

// StartProcessTransport launches binaryPath with the given args and waits
// (bounded by readyTimeout) for it to prove it started successfully. The
// spawned process is expected to read one JSON line from stdin and write
// one JSON line to stdout per tool invocation, looping until stdin closes.
func StartProcessTransport(ctx context.Context, binaryPath string, args []string, workerID string, readyTimeout time.Duration) (*ProcessTransport, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	pt := &ProcessTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exitC:  make(chan struct{}),
		log:    WithWorker(workerID),
	}

	go pt.monitor()

	if err := pt.awaitReady(readyTimeout); err != nil {
		_ = pt.Close()
		return nil, err
	}

	pt.log.Info().Str("binary", binaryPath).Int("pid", cmd.Process.Pid).Msg("process transport started")
	return pt, nil
}

// awaitReady is the stdio analogue of the teacher's waitForReady poll: a
// stdio transport has no /health endpoint to ping, so readiness is "the
// process survived readyTimeout without exiting" rather than a positive
// response. An immediate exit (bad binary, missing args, crash-on-start)
// is caught and surfaced as a spawn failure instead of handing the pool a
// worker whose first Invoke is guaranteed to fail.
func (pt *ProcessTransport) awaitReady(readyTimeout time.Duration) error {
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Second
	}
	select {
	case <-pt.exitC:
		return fmt.Errorf("process exited before becoming ready: %w", ErrTransportFailed)
	case <-time.After(readyTimeout):
		return nil
	}
}

// monitor waits for the process to exit and marks the transport dead, the
// way the teacher's Worker.monitor waits on cmd.Wait().
func (pt *ProcessTransport) monitor() {
	err := pt.cmd.Wait()
	pt.mu.Lock()
	pt.dead = true
	pt.mu.Unlock()
	close(pt.exitC)
	pt.log.Warn().Err(err).Msg("process transport exited")
}

func (pt *ProcessTransport) Invoke(ctx context.Context, tool string, args any) (Result, error) {
	pt.mu.Lock()
	if pt.dead {
		pt.mu.Unlock()
		return Result{}, fmt.Errorf("process exited: %w", ErrTransportFailed)
	}
	pt.mu.Unlock()

	reqLine, err := json.Marshal(wireRequest{Tool: tool, Args: args})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	reqLine = append(reqLine, '\n')

	type outcome struct {
		resp wireResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		if _, err := pt.stdin.Write(reqLine); err != nil {
			done <- outcome{err: fmt.Errorf("write request: %w", ErrTransportFailed)}
			return
		}
		line, err := pt.stdout.ReadString('\n')
		if err != nil {
			done <- outcome{err: fmt.Errorf("read response: %w", ErrTransportFailed)}
			return
		}
		var resp wireResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			done <- outcome{err: fmt.Errorf("decode response: %w", ErrTransportFailed)}
			return
		}
		done <- outcome{resp: resp}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			pt.mu.Lock()
			pt.dead = true
			pt.mu.Unlock()
			return Result{}, o.err
		}
		if o.resp.Error != "" {
			return Result{Err: fmt.Errorf("%s: %w", o.resp.Error, ErrToolError)}, nil
		}
		return Result{Value: o.resp.Value}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-pt.exitC:
		return Result{}, fmt.Errorf("process exited mid-call: %w", ErrTransportFailed)
	}
}

func (pt *ProcessTransport) Alive() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return !pt.dead
}

func (pt *ProcessTransport) Close() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.dead {
		return nil
	}
	_ = pt.stdin.Close()
	if pt.cmd.Process != nil {
		_ = pt.cmd.Process.Kill()
	}
	return nil
}

// NewProcessTransportFactory returns a TransportFactory that spawns
// binaryPath with args, one process per worker.
func NewProcessTransportFactory(binaryPath string, args []string, readyTimeout time.Duration) TransportFactory {
	return func(ctx context.Context, workerID string) (Transport, error) {
		return StartProcessTransport(ctx, binaryPath, args, workerID, readyTimeout)
	}
}
