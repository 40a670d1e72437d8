package operator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/deploy"
	"github.com/edgewire/edgewire/internal/health"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
	"github.com/edgewire/edgewire/internal/relay"
	"github.com/edgewire/edgewire/internal/store"
)

// fakeRelay accepts the operator handshake on the far end of a pipe
// and serves channel OPENs with the given handler.
func fakeRelay(t *testing.T, conn net.Conn, token string, handler mux.OpenHandler) {
	t.Helper()

	go func() {
		var hello protocol.Hello
		if err := protocol.ReadHandshake(conn, &hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if hello.Role != protocol.RoleOperator {
			t.Errorf("role = %q, want operator", hello.Role)
		}

		ack := protocol.HelloAck{Version: protocol.ProtocolVersion, OK: hello.Token == token}
		if !ack.OK {
			ack.Reason = "invalid operator token"
		}
		if err := protocol.WriteHandshake(conn, &ack); err != nil {
			t.Errorf("write ack: %v", err)
			return
		}
		if !ack.OK {
			conn.Close()
			return
		}

		sess := mux.NewSession(conn, mux.SideRelay, mux.Config{KeepaliveInterval: 0})
		sess.SetOpenHandler(handler)
		sess.Start()
	}()
}

func TestConnectHandshake(t *testing.T) {
	client, server := net.Pipe()
	fakeRelay(t, server, "op-token", func(ch *mux.Channel, channelType uint8, metadata []byte) (func(*mux.Channel), *mux.Reject) {
		return func(c *mux.Channel) {
			io.Copy(c, c)
			c.CloseWrite()
		}, nil
	})

	c, err := NewClient(client, "op-token", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.OpenDevice(ctx, "ew-dev", protocol.ChannelExec, protocol.ExecMeta{Command: "uptime"})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ch.CloseWrite()

	data, err := io.ReadAll(ch)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Errorf("echo = %q", data)
	}
}

func TestConnectRefusedToken(t *testing.T) {
	client, server := net.Pipe()
	fakeRelay(t, server, "op-token", nil)

	_, err := NewClient(client, "wrong-token", nil)
	if err == nil {
		t.Fatal("NewClient accepted a refused handshake")
	}
	if !strings.Contains(err.Error(), "invalid operator token") {
		t.Errorf("err = %v, want refusal reason", err)
	}
}

func TestOpenDeviceEnvelope(t *testing.T) {
	client, server := net.Pipe()

	type captured struct {
		channelType uint8
		deviceID    string
		shell       protocol.ShellMeta
	}
	got := make(chan captured, 1)

	fakeRelay(t, server, "op-token", func(ch *mux.Channel, channelType uint8, metadata []byte) (func(*mux.Channel), *mux.Reject) {
		var env protocol.OperatorMeta
		if err := json.Unmarshal(metadata, &env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		var shell protocol.ShellMeta
		if err := json.Unmarshal(env.Meta, &shell); err != nil {
			t.Errorf("decode shell meta: %v", err)
		}
		got <- captured{channelType, env.DeviceID, shell}
		return func(c *mux.Channel) { c.CloseWrite() }, nil
	})

	c, err := NewClient(client, "op-token", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Shell(ctx, "ew-pump-7", protocol.ShellMeta{
		TTY: protocol.TTYMeta{Rows: 40, Cols: 120, Term: "xterm-256color"},
	})
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	defer ch.Close()

	select {
	case seen := <-got:
		if seen.channelType != protocol.ChannelShell {
			t.Errorf("channel type = %#x", seen.channelType)
		}
		if seen.deviceID != "ew-pump-7" {
			t.Errorf("device id = %q", seen.deviceID)
		}
		if seen.shell.TTY.Rows != 40 || seen.shell.TTY.Cols != 120 {
			t.Errorf("tty = %+v", seen.shell.TTY)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay never saw the OPEN")
	}
}

func newAdminFixture(t *testing.T) (*AdminClient, store.Store) {
	t.Helper()

	const token = "admin-test-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	srv := health.NewServer(health.ServerConfig{Address: "127.0.0.1:0"}, health.Deps{
		Store:     st,
		Registry:  relay.NewRegistry(nil),
		Queue:     deploy.NewQueue(st, nil, nil, nil),
		Validator: auth.NewStaticValidator([]auth.StaticToken{{Subject: "alice", TokenHash: string(hash)}}),
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return NewAdminClient("http://"+srv.Address(), token), st
}

func TestAdminClientDeviceFlow(t *testing.T) {
	client, st := newAdminFixture(t)
	ctx := context.Background()

	if err := st.PutDevice(ctx, &store.Device{ID: "ew-a", Status: store.StatusPending, Name: "gate"}); err != nil {
		t.Fatal(err)
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "gate" {
		t.Fatalf("devices = %+v", devices)
	}

	view, err := client.Approve(ctx, "ew-a")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if view.Status != store.StatusApproved {
		t.Errorf("status = %q", view.Status)
	}

	if _, err := client.GetDevice(ctx, "no-such"); err == nil {
		t.Error("GetDevice on unknown id succeeded")
	}
}

func TestAdminClientDeploy(t *testing.T) {
	client, st := newAdminFixture(t)
	ctx := context.Background()

	if err := st.PutDevice(ctx, &store.Device{ID: "ew-b", Status: store.StatusApproved}); err != nil {
		t.Fatal(err)
	}

	job, err := client.Deploy(ctx, "ew-b", "app", []byte(`{"services":{}}`))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Errorf("job status = %q", job.Status)
	}

	fetched, err := client.JobStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if fetched.ID != job.ID {
		t.Errorf("fetched job = %+v", fetched)
	}

	jobs, err := client.DeviceJobs(ctx, "ew-b")
	if err != nil {
		t.Fatalf("DeviceJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}

	// Queued job cancels without a compensating job.
	removal, err := client.Undeploy(ctx, job.ID)
	if err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if removal != nil {
		t.Errorf("removal job = %+v, want nil for queued job", removal)
	}

	// Audit trail records the deploy actions.
	entries, err := client.DeviceAudit(ctx, "ew-b", 10)
	if err != nil {
		t.Fatalf("DeviceAudit: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("audit entries = %d, want at least 2", len(entries))
	}
}
