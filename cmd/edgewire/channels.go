package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/edgewire/edgewire/internal/filetransfer"
	"github.com/edgewire/edgewire/internal/forward"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

func shellCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "shell <device-id>",
		Short: "Open an interactive shell on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			meta := protocol.ShellMeta{User: user}
			fd := int(os.Stdin.Fd())
			isTTY := term.IsTerminal(fd)
			if isTTY {
				cols, rows, err := term.GetSize(fd)
				if err == nil {
					meta.TTY = protocol.TTYMeta{
						Rows: uint16(rows),
						Cols: uint16(cols),
						Term: os.Getenv("TERM"),
					}
				}
			}

			ch, err := client.Shell(ctx, args[0], meta)
			if err != nil {
				return channelError(err)
			}
			defer ch.Close()

			if isTTY {
				oldState, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw terminal: %w", err)
				}
				defer term.Restore(fd, oldState)
			}

			go func() {
				io.Copy(ch, os.Stdin)
				ch.CloseWrite()
			}()
			io.Copy(os.Stdout, ch)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Run the shell as this user")
	return cmd
}

func execCmd() *cobra.Command {
	var (
		workDir string
		timeout int
		stdin   bool
	)

	cmd := &cobra.Command{
		Use:   "exec <device-id> -- <command> [args...]",
		Short: "Run a command on a device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ch, err := client.Exec(ctx, args[0], protocol.ExecMeta{
				Command: args[1],
				Args:    args[2:],
				WorkDir: workDir,
				Stdin:   stdin,
				Timeout: timeout,
			})
			if err != nil {
				return channelError(err)
			}
			defer ch.Close()

			if stdin {
				go func() {
					io.Copy(ch, os.Stdin)
					ch.CloseWrite()
				}()
			} else {
				ch.CloseWrite()
			}

			exit, err := streamEvents(ch)
			if err != nil {
				return err
			}
			if exit != 0 {
				os.Exit(exit)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory on the device")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "Command timeout in seconds (0 = none)")
	cmd.Flags().BoolVarP(&stdin, "stdin", "i", false, "Forward stdin to the command")
	return cmd
}

// streamEvents decodes the exec event stream onto stdout/stderr and
// returns the remote exit code.
func streamEvents(ch *mux.Channel) (int, error) {
	dec := json.NewDecoder(ch)
	for {
		var ev protocol.ExecEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil
			}
			return 0, fmt.Errorf("read event stream: %w", err)
		}
		switch ev.Stream {
		case "stderr":
			os.Stderr.Write(ev.Data)
		default:
			os.Stdout.Write(ev.Data)
		}
		if ev.Exit != nil {
			return int(*ev.Exit), nil
		}
	}
}

func forwardCmd() *cobra.Command {
	var udp bool

	cmd := &cobra.Command{
		Use:   "forward <device-id> <rule>...",
		Short: "Forward local ports to a device's network",
		Long: `Forward local ports through the device. Each rule is
[local:][host:]port, e.g. "8080:127.0.0.1:80" or "5432". Append /udp
to a rule or pass --udp to forward datagrams.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			active, err := startForwardListeners(args[0], args[1:], udp, client, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				for _, l := range active {
					l.Stop()
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-client.Done():
				return fmt.Errorf("relay session ended: %v", client.Err())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&udp, "udp", false, "Forward UDP datagrams")
	return cmd
}

// forwardListener is the common surface of TCP and UDP forward
// listeners.
type forwardListener interface {
	Start() error
	Stop() error
	Address() net.Addr
}

// startForwardListeners binds one local listener per rule. A rule that
// fails to parse or bind reports its own error and the remaining rules
// still start; only zero started listeners is fatal.
func startForwardListeners(deviceID string, specs []string, udp bool, opener forward.ChannelOpener, out, errOut io.Writer) ([]forwardListener, error) {
	var active []forwardListener

	for _, spec := range specs {
		rule, err := forward.ParseRule(spec)
		if err != nil {
			fmt.Fprintf(errOut, "forward %s: %v\n", spec, err)
			continue
		}
		if udp {
			rule.Proto = forward.ProtoUDP
		}

		var l forwardListener
		label := ""
		if rule.Proto == forward.ProtoUDP {
			l = forward.NewUDPListener(forward.UDPListenerConfig{
				DeviceID: deviceID,
				Rule:     rule,
			}, opener)
			label = " (udp)"
		} else {
			l = forward.NewListener(forward.ListenerConfig{
				DeviceID: deviceID,
				Rule:     rule,
			}, opener)
		}
		if err := l.Start(); err != nil {
			fmt.Fprintf(errOut, "forward %s: %v\n", rule.Target(), err)
			continue
		}
		active = append(active, l)
		fmt.Fprintf(out, "Forwarding %s%s -> %s via %s\n", l.Address(), label, rule.Target(), deviceID)
	}

	if len(active) == 0 {
		return nil, fmt.Errorf("no forward rule could start")
	}
	return active, nil
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <device-id> <local-path> <remote-path>",
		Short: "Upload a file to a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			written, err := filetransfer.Send(ctx, client, args[0], args[1], args[2])
			if err != nil {
				return channelError(err)
			}
			fmt.Printf("Uploaded %s to %s:%s\n", humanize.Bytes(uint64(written)), args[0], args[2])
			return nil
		},
	}
}

func fetchCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "fetch <device-id> <remote-path> <local-path>",
		Short: "Download a file from a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			received, err := filetransfer.Fetch(ctx, client, args[0], args[1], args[2], resume)
			if err != nil {
				return channelError(err)
			}
			fmt.Printf("Downloaded %s to %s\n", humanize.Bytes(uint64(received)), args[2])
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "Resume a partial download")
	return cmd
}

func dockerCmd() *cobra.Command {
	var stdin bool

	cmd := &cobra.Command{
		Use:   "docker <device-id> -- <args>...",
		Short: "Run a docker command on a device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ch, err := client.Docker(ctx, args[0], protocol.DockerMeta{
				Args:  args[1:],
				Stdin: stdin,
			})
			if err != nil {
				return channelError(err)
			}
			defer ch.Close()

			if stdin {
				go func() {
					io.Copy(ch, os.Stdin)
					ch.CloseWrite()
				}()
			} else {
				ch.CloseWrite()
			}

			exit, err := streamEvents(ch)
			if err != nil {
				return err
			}
			if exit != 0 {
				os.Exit(exit)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&stdin, "stdin", "i", false, "Forward stdin (e.g. for compose -f -)")
	return cmd
}

func logsCmd() *cobra.Command {
	var (
		follow bool
		tail   int
		unit   string
	)

	cmd := &cobra.Command{
		Use:   "logs <device-id>",
		Short: "Stream logs from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := tunnelClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ch, err := client.Logs(ctx, args[0], protocol.LogMeta{
				Follow: follow,
				Tail:   tail,
				Unit:   unit,
			})
			if err != nil {
				return channelError(err)
			}
			defer ch.Close()
			ch.CloseWrite()

			_, err = streamEvents(ch)
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new entries")
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of trailing lines")
	cmd.Flags().StringVarP(&unit, "unit", "u", "", "Service unit to filter on")
	return cmd
}

// channelError rewrites relay channel rejections into readable errors.
func channelError(err error) error {
	var openErr *mux.OpenError
	if errors.As(err, &openErr) {
		return fmt.Errorf("%s: %s", protocol.ReasonName(openErr.Reason), openErr.Message)
	}
	return err
}
