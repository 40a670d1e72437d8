package agent

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/sysinfo"
)

const defaultMetricsInterval = 5 * time.Second

// acceptShell serves an interactive PTY channel. Raw bytes both ways;
// the PTY merges output like a local terminal would.
func (a *Agent) acceptShell(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	var meta protocol.ShellMeta
	if len(metadata) > 0 {
		if err := protocol.DecodeMeta(metadata, &meta); err != nil {
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad shell metadata"}
		}
	}

	sess, err := a.executor.NewShellSession(context.Background(), &meta.TTY)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: err.Error()}
	}

	return func(c *mux.Channel) {
		defer a.executor.ReleaseSession()
		defer sess.Close()
		defer c.Close()

		go func() {
			io.Copy(sess, c)
			sess.Close()
		}()
		io.Copy(c, sess)
		sess.Wait()
	}, nil
}

// acceptExec serves a one-shot command. Downstream output is framed as
// ExecEvent JSON so stdout, stderr, and the exit code stay separate;
// upstream stdin is raw bytes.
func (a *Agent) acceptExec(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	var meta protocol.ExecMeta
	if err := protocol.DecodeMeta(metadata, &meta); err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad exec metadata"}
	}

	sess, err := a.executor.NewSession(context.Background(), &meta)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: err.Error()}
	}

	return func(c *mux.Channel) {
		defer a.executor.ReleaseSession()
		defer c.Close()

		if err := sess.Start(); err != nil {
			a.logger.Warn("exec start failed", logging.KeyError, err)
			sess.Close()
			c.CloseWithReason(protocol.ReasonInternalError)
			return
		}

		if meta.Stdin {
			go func() {
				io.Copy(sess.Stdin(), c)
				sess.Stdin().Close()
			}()
		} else {
			sess.Stdin().Close()
		}

		streamExecOutput(c, sess.Stdout(), sess.Stderr())
		<-sess.Done()
		code := sess.ExitCode()
		writeExecEvent(c, protocol.ExecEvent{Exit: &code})
		c.CloseWrite()
	}, nil
}

// acceptDocker runs the docker binary with a verbatim argv. Compose
// semantics live entirely in the CLI on the operator side.
func (a *Agent) acceptDocker(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	if !a.cfg.DockerEnabled {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "docker passthrough disabled"}
	}

	var meta protocol.DockerMeta
	if err := protocol.DecodeMeta(metadata, &meta); err != nil || len(meta.Args) == 0 {
		return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad docker metadata"}
	}

	bin := a.cfg.DockerBinary
	if bin == "" {
		bin = "docker"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: "docker binary not found"}
	}

	return func(c *mux.Channel) {
		defer c.Close()
		a.runPassthrough(c, path, meta.Args, meta.Stdin)
	}, nil
}

// acceptLogs streams device logs via journalctl.
func (a *Agent) acceptLogs(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	if !a.cfg.LogsEnabled {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "log streaming disabled"}
	}

	var meta protocol.LogMeta
	if len(metadata) > 0 {
		if err := protocol.DecodeMeta(metadata, &meta); err != nil {
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad log metadata"}
		}
	}

	path, err := exec.LookPath("journalctl")
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: "journalctl not found"}
	}

	args := []string{"--no-pager", "--output=short-iso"}
	if meta.Tail > 0 {
		args = append(args, "-n", strconv.Itoa(meta.Tail))
	}
	if meta.Unit != "" {
		args = append(args, "-u", meta.Unit)
	}
	if meta.Follow {
		args = append(args, "-f")
	}

	return func(c *mux.Channel) {
		defer c.Close()
		a.runPassthrough(c, path, args, false)
	}, nil
}

// acceptMetrics pushes one system snapshot per interval as JSON lines.
func (a *Agent) acceptMetrics(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	var meta protocol.MetricsMeta
	if len(metadata) > 0 {
		if err := protocol.DecodeMeta(metadata, &meta); err != nil {
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad metrics metadata"}
		}
	}

	interval := defaultMetricsInterval
	if meta.IntervalSeconds > 0 {
		interval = time.Duration(meta.IntervalSeconds) * time.Second
	}

	return func(c *mux.Channel) {
		defer c.Close()

		enc := json.NewEncoder(c)
		if err := enc.Encode(sysinfo.Sample()); err != nil {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if err := enc.Encode(sysinfo.Sample()); err != nil {
					return
				}
			}
		}
	}, nil
}

// runPassthrough executes argv and bridges it onto the channel with
// ExecEvent framing, mirroring acceptExec.
func (a *Agent) runPassthrough(c *mux.Channel, path string, args []string, stdin bool) {
	cmd := exec.Command(path, args...)

	in, err := cmd.StdinPipe()
	if err != nil {
		c.CloseWithReason(protocol.ReasonInternalError)
		return
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		c.CloseWithReason(protocol.ReasonInternalError)
		return
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		c.CloseWithReason(protocol.ReasonInternalError)
		return
	}

	if err := cmd.Start(); err != nil {
		a.logger.Warn("passthrough start failed",
			logging.KeyTarget, path,
			logging.KeyError, err)
		c.CloseWithReason(protocol.ReasonInternalError)
		return
	}

	// Kill the child when the operator hangs up.
	go func() {
		<-c.Done()
		cmd.Process.Kill()
	}()

	if stdin {
		go func() {
			io.Copy(in, c)
			in.Close()
		}()
	} else {
		in.Close()
	}

	streamExecOutput(c, out, errPipe)

	code := int32(0)
	if err := cmd.Wait(); err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = int32(exitErr.ExitCode())
		}
	}
	writeExecEvent(c, protocol.ExecEvent{Exit: &code})
	c.CloseWrite()
}

// streamExecOutput pumps stdout and stderr into framed events and
// returns when both pipes hit EOF.
func streamExecOutput(c *mux.Channel, stdout, stderr io.Reader) {
	enc := json.NewEncoder(c)
	var mu sync.Mutex

	pump := func(stream string, r io.Reader) {
		buf := make([]byte, 8192)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				mu.Lock()
				encErr := enc.Encode(protocol.ExecEvent{Stream: stream, Data: data})
				mu.Unlock()
				if encErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump("stderr", stderr)
	}()
	go func() {
		defer wg.Done()
		pump("stdout", stdout)
	}()
	wg.Wait()
}

func writeExecEvent(c *mux.Channel, ev protocol.ExecEvent) {
	_ = json.NewEncoder(c).Encode(ev)
}
