package executor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/stretchr/testify/require"
)

// testSSHServer spins up a minimal in-process sshd that accepts any
// password, exits 0 for "true", 1 for "false", drains stdin for "cat > ...",
// and prints "ok" for any other command — enough surface to exercise Executor without a real remote host.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func startTestSSHServer(t *testing.T) (*testSSHServer, int) {
	t.Helper()
	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return nil, nil // accept any password
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testSSHServer{listener: ln, config: cfg}
	go srv.serve(t)

	return srv, ln.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) serve(t *testing.T) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(t, conn)
	}
}

func (s *testSSHServer) handleConn(t *testing.T, conn net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd := string(req.Payload[4:])
		if req.WantReply {
			req.Reply(true, nil)
		}
		exit := s.runFakeCommand(ch, cmd)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(exit)}))
		return
	}
}

func (s *testSSHServer) runFakeCommand(ch ssh.Channel, cmd string) int {
	switch {
	case cmd == "true":
		return 0
	case cmd == "false":
		return 1
	case len(cmd) > 5 && cmd[:5] == "cat >":
		io.Copy(io.Discard, ch)
		return 0
	default:
		io.WriteString(ch, "ok\n")
		return 0
	}
}

func testExecutor(t *testing.T, port int) (*Executor, Credentials) {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	passwordBlob, err := v.SealString("irrelevant")
	require.NoError(t, err)

	exec := New(logging.NewFromEnv("test"), v, NewTrustOnFirstUse(), time.Minute)
	creds := Credentials{
		Host:         "127.0.0.1",
		Port:         port,
		User:         "root",
		PasswordBlob: passwordBlob,
	}
	return exec, creds
}

func TestExecute_SuccessAndNonzeroExit(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)

	res, err := exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	res, err = exec.Execute(context.Background(), "m1", creds, "false", 2*time.Second)
	require.NoError(t, err) // nonzero exit is not a failure (spec.md §4.1)
	require.Equal(t, 1, res.ExitCode)
}

func TestExecute_ReusesCachedSession(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)

	_, err := exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)

	exec.mu.Lock()
	sess := exec.sessions["m1"]
	exec.mu.Unlock()
	require.NotNil(t, sess)

	_, err = exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)

	exec.mu.Lock()
	sameSess := exec.sessions["m1"]
	exec.mu.Unlock()
	require.Same(t, sess, sameSess)
}

func TestExecute_ExpiredContextReturnsError(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	_, err := exec.Execute(ctx, "m1", creds, "true", time.Second)
	require.Error(t, err)
}

func TestEvict_ClosesAndRemovesSession(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)
	_, err := exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)

	exec.Evict("m1")

	exec.mu.Lock()
	_, ok := exec.sessions["m1"]
	exec.mu.Unlock()
	require.False(t, ok)
}

func TestRun_ChannelFailureEvictsSession(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)
	_, err := exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)

	exec.mu.Lock()
	sess := exec.sessions["m1"]
	exec.mu.Unlock()
	require.NotNil(t, sess)

	// Simulate a dead transport: close the underlying client so the next
	// NewSession call on it fails.
	require.NoError(t, sess.client.Close())

	_, err = exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.Error(t, err)

	exec.mu.Lock()
	_, ok := exec.sessions["m1"]
	exec.mu.Unlock()
	require.False(t, ok, "session with a dead transport should have been evicted, not pinned")

	// A subsequent call re-dials and succeeds rather than reusing the dead client.
	_, err = exec.Execute(context.Background(), "m1", creds, "true", 2*time.Second)
	require.NoError(t, err)
}

func TestSession_CircuitOpensAfterRepeatedDialFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close()) // nothing listens here: dials fail fast with connection refused

	exec, creds := testExecutor(t, port)

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = exec.Execute(context.Background(), "m1", creds, "true", time.Second)
		require.Error(t, lastErr)
	}

	_, err = exec.Execute(context.Background(), "m1", creds, "true", time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reconnect attempts suspended")
}

func TestPutFile_StreamsContent(t *testing.T) {
	srv, port := startTestSSHServer(t)
	defer srv.listener.Close()

	exec, creds := testExecutor(t, port)

	err := exec.PutFile(context.Background(), "m1", creds, "/tmp/foo", strings.NewReader("hello"), 2*time.Second)
	require.NoError(t, err)
}
