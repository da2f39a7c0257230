package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Check ensures the engine binary can be found.
func Check(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("engine_not_configured")
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("engine_not_found: %w", err)
	}
	return nil
}

// Process is an engine child process with a Channel over its stdio.
type Process struct {
	*Channel
	cmd *exec.Cmd
}

// pipeConn joins the child's stdout and stdin into one stream.
type pipeConn struct {
	io.Reader
	w io.WriteCloser
	r io.Closer
}

func (p pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p pipeConn) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Start launches the engine and connects a Channel to it. The channel
// disconnects once the process has exited and its output was read;
// ctx cancellation kills the process.
func Start(ctx context.Context, path string, args []string, log *slog.Logger) (*Process, error) {
	if err := Check(path); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	log.Info("engine_started", "path", path, "pid", cmd.Process.Pid)

	p := &Process{
		Channel: newChannel(pipeConn{Reader: stdout, w: stdin, r: stdout}, log, true),
		cmd:     cmd,
	}
	go logStderr(stderr, log)
	go func() {
		// Wait closes stdout, so it must not run before reading has ended.
		<-p.readDone
		cause := p.readError()
		if cause == nil {
			cause = io.EOF
		}
		if err := cmd.Wait(); err != nil {
			log.Warn("engine_exited", "error", err)
			cause = fmt.Errorf("process exited: %w", err)
		} else {
			log.Info("engine_exited")
		}
		p.fail(cause)
	}()
	return p, nil
}

// Close disconnects the channel and stops the process.
func (p *Process) Close() error {
	err := p.Channel.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return err
}

func logStderr(r io.Reader, log *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		log.Debug("engine_stderr", "line", line)
	}
}
