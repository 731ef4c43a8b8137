// Package executor implements the Remote Executor (C1): it opens, caches,
// and tears down SSH sessions to fleet machines, runs shell commands with a
// deadline, and streams files onto the remote host.
//
// Grounded on original_source/backend/app/ssh_manager.py's get_ssh_client
// context manager (decrypt key into scratch storage, connect, always clean
// up) and original_source/backend/app/core/ssh_manager.py's key handling,
// reworked onto golang.org/x/crypto/ssh with the decrypted key materializing
// into a vault.Decrypted scope instead of a temp file, and a per-machine
// session cache instead of reconnecting on every call (spec.md §4.1: "all
// subsequent calls reuse the cached session").
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/apierrors"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/resilience"
)

// Credentials identifies how to authenticate to a machine. Exactly one of
// PrivateKey or Password should be set; both are vault-sealed blobs.
type Credentials struct {
	Host           string
	Port           int
	User           string
	PrivateKeyBlob []byte // vault-sealed PEM, or nil
	PasswordBlob   []byte // vault-sealed password, or nil
}

// Result is the outcome of a single remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// HostKeyPolicy decides whether to accept a host key offered by a machine.
// The default implementation trusts the first key seen for a machine and
// pins it thereafter (spec.md §4.1: "default accepts on first encounter and
// pins thereafter").
type HostKeyPolicy interface {
	Check(machineID string, key ssh.PublicKey) error
}

// TrustOnFirstUse is the default HostKeyPolicy: it accepts whatever key a
// machine offers the first time and rejects any later key that doesn't match.
type TrustOnFirstUse struct {
	mu     sync.Mutex
	pinned map[string]string // machineID -> marshaled key
}

// NewTrustOnFirstUse creates an empty pinning store.
func NewTrustOnFirstUse() *TrustOnFirstUse {
	return &TrustOnFirstUse{pinned: map[string]string{}}
}

func (t *TrustOnFirstUse) Check(machineID string, key ssh.PublicKey) error {
	fp := string(key.Marshal())
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.pinned[machineID]; ok {
		if existing != fp {
			return fmt.Errorf("host key for %s does not match pinned key", machineID)
		}
		return nil
	}
	t.pinned[machineID] = fp
	return nil
}

// Executor owns the session cache and the vault used to decrypt credentials.
type Executor struct {
	log     *logging.Logger
	vault   *vault.Vault
	policy  HostKeyPolicy
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*machineSession
	breakers map[string]*resilience.CircuitBreaker
}

// machineSession is one cached, multiplexable SSH connection to a machine.
type machineSession struct {
	mu         sync.Mutex
	client     *ssh.Client
	lastUsed   time.Time
	evictTimer *time.Timer
}

// New creates an Executor. idleTTL of zero disables idle eviction.
func New(log *logging.Logger, v *vault.Vault, policy HostKeyPolicy, idleTTL time.Duration) *Executor {
	if policy == nil {
		policy = NewTrustOnFirstUse()
	}
	return &Executor{
		log:      log,
		vault:    v,
		policy:   policy,
		idleTTL:  idleTTL,
		sessions: map[string]*machineSession{},
		breakers: map[string]*resilience.CircuitBreaker{},
	}
}

// circuitFor returns the per-machine circuit breaker guarding re-dial
// attempts, creating one the first time a machine is seen. Tripping it
// after repeated dial failures keeps a machine whose SSH daemon (or network
// path) just went unreachable from being hammered with reconnect attempts
// on every subsequent Execute call (spec.md §7).
func (e *Executor) circuitFor(machineID string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[machineID]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.DefaultCircuitConfig())
		e.breakers[machineID] = b
	}
	return b
}

// Execute runs command on the given machine with a hard deadline, returning
// a nonzero exit as a successful Result — only connection, auth, channel and
// timeout failures are returned as errors (spec.md §4.1).
func (e *Executor) Execute(ctx context.Context, machineID string, creds Credentials, command string, timeout time.Duration) (Result, error) {
	sess, err := e.session(ctx, machineID, creds)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.run(runCtx, machineID, sess, command)
}

// PutFile streams content to path on the machine via the session's stdin,
// using `cat > path` in place of a dedicated SFTP subsystem (no SFTP
// package is part of the dependency corpus; spec.md §4.1 supplement).
func (e *Executor) PutFile(ctx context.Context, machineID string, creds Credentials, path string, content io.Reader, timeout time.Duration) error {
	sess, err := e.session(ctx, machineID, creds)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	ch, err := sess.client.NewSession()
	if err != nil {
		e.evictIfCurrentLocked(machineID, sess)
		return apierrors.Wrap(apierrors.CodeChannelError, "failed to open channel", err).WithDetail("machine_id", machineID)
	}
	defer ch.Close()

	stdin, err := ch.StdinPipe()
	if err != nil {
		return apierrors.Wrap(apierrors.CodeChannelError, "failed to open stdin pipe", err).WithDetail("machine_id", machineID)
	}

	done := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if _, err := io.Copy(stdin, content); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- ch.Run(fmt.Sprintf("cat > %s", shellQuote(path))) }()

	select {
	case <-runCtx.Done():
		ch.Close()
		return apierrors.ExecTimeout(machineID, "put "+path)
	case copyErr := <-done:
		if copyErr != nil {
			ch.Close()
			return apierrors.Wrap(apierrors.CodeChannelError, "failed streaming file to machine", copyErr).WithDetail("machine_id", machineID)
		}
		if err := <-cmdDone; err != nil {
			return apierrors.Wrap(apierrors.CodeChannelError, "remote cat failed", err).WithDetail("machine_id", machineID).WithDetail("path", path)
		}
		sess.lastUsed = time.Now()
		return nil
	}
}

// Probe is a minimal liveness check used by the Fleet Registry's synchronous
// probe path: a 3s "true" that only reports connectivity.
func (e *Executor) Probe(ctx context.Context, machineID string, creds Credentials) error {
	_, err := e.Execute(ctx, machineID, creds, "true", 3*time.Second)
	return err
}

// Evict closes and removes a machine's cached session, e.g. on machine
// deletion or forced credential rotation.
func (e *Executor) Evict(machineID string) {
	e.mu.Lock()
	sess, ok := e.sessions[machineID]
	delete(e.sessions, machineID)
	e.mu.Unlock()
	if ok {
		e.closeSession(sess)
	}
}

func (e *Executor) closeSession(sess *machineSession) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	closeClientLocked(sess)
}

// closeClientLocked stops the idle timer and closes the underlying client.
// Callers must already hold sess.mu.
func closeClientLocked(sess *machineSession) {
	if sess.evictTimer != nil {
		sess.evictTimer.Stop()
	}
	if sess.client != nil {
		_ = sess.client.Close()
		sess.client = nil
	}
}

// evictIfCurrent removes sess from the cache (if it is still the cached
// entry for machineID) and closes its client. Used when a cached session's
// underlying transport has failed, so the next call re-dials instead of
// reusing a connection that can never succeed again (spec.md §4.1: a
// session is "closed and evicted on ... transport error"). Callers must NOT
// already hold sess.mu.
func (e *Executor) evictIfCurrent(machineID string, sess *machineSession) {
	e.mu.Lock()
	if cur, ok := e.sessions[machineID]; ok && cur == sess {
		delete(e.sessions, machineID)
	}
	e.mu.Unlock()
	sess.mu.Lock()
	closeClientLocked(sess)
	sess.mu.Unlock()
}

// evictIfCurrentLocked is evictIfCurrent for callers that already hold
// sess.mu (it must not re-lock it).
func (e *Executor) evictIfCurrentLocked(machineID string, sess *machineSession) {
	e.mu.Lock()
	if cur, ok := e.sessions[machineID]; ok && cur == sess {
		delete(e.sessions, machineID)
	}
	e.mu.Unlock()
	closeClientLocked(sess)
}

// session returns the cached connection for machineID, dialing and caching
// a new one under a per-machine lock if none exists yet.
func (e *Executor) session(ctx context.Context, machineID string, creds Credentials) (*machineSession, error) {
	e.mu.Lock()
	sess, ok := e.sessions[machineID]
	if !ok {
		sess = &machineSession{}
		e.sessions[machineID] = sess
	}
	e.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.client != nil {
		sess.lastUsed = time.Now()
		return sess, nil
	}

	breaker := e.circuitFor(machineID)
	var client *ssh.Client
	dialErr := breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := e.dial(ctx, machineID, creds)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if dialErr != nil {
		if errors.Is(dialErr, resilience.ErrCircuitOpen) {
			return nil, apierrors.Wrap(apierrors.CodeConnectError,
				"machine recently unreachable, reconnect attempts suspended", dialErr).
				WithDetail("machine_id", machineID)
		}
		return nil, dialErr
	}
	sess.client = client
	sess.lastUsed = time.Now()
	e.armIdleEviction(machineID, sess)
	return sess, nil
}

func (e *Executor) armIdleEviction(machineID string, sess *machineSession) {
	if e.idleTTL <= 0 {
		return
	}
	if sess.evictTimer != nil {
		sess.evictTimer.Stop()
	}
	sess.evictTimer = time.AfterFunc(e.idleTTL, func() {
		e.mu.Lock()
		if cur, ok := e.sessions[machineID]; ok && cur == sess {
			delete(e.sessions, machineID)
		}
		e.mu.Unlock()
		e.closeSession(sess)
	})
}

// dial decrypts the machine's credential inside a scoped vault.Decrypted
// buffer, builds an ssh.ClientConfig, and connects — the decrypted key
// never outlives this call (spec.md §4.1: "guarantees erasure of the
// decrypted bytes before returning").
func (e *Executor) dial(ctx context.Context, machineID string, creds Credentials) (*ssh.Client, error) {
	var client *ssh.Client
	authErr := e.withAuthMethod(creds, func(auth ssh.AuthMethod) error {
		cfg := &ssh.ClientConfig{
			User:            creds.User,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: e.hostKeyCallback(machineID),
			Timeout:         10 * time.Second,
		}
		addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
		d := net.Dialer{Timeout: cfg.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			return err
		}
		client = ssh.NewClient(c, chans, reqs)
		return nil
	})
	if authErr != nil {
		return nil, apierrors.ConnectError(machineID, authErr)
	}
	return client, nil
}

func (e *Executor) hostKeyCallback(machineID string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return e.policy.Check(machineID, key)
	}
}

// withAuthMethod decrypts whichever credential blob is set and invokes fn
// with the resulting ssh.AuthMethod, guaranteeing the plaintext is released
// before returning.
func (e *Executor) withAuthMethod(creds Credentials, fn func(ssh.AuthMethod) error) error {
	switch {
	case len(creds.PrivateKeyBlob) > 0:
		return e.vault.WithDecrypted(creds.PrivateKeyBlob, func(d *vault.Decrypted) error {
			signer, err := ssh.ParsePrivateKey(d.Bytes())
			if err != nil {
				return fmt.Errorf("parsing private key: %w", err)
			}
			return fn(ssh.PublicKeys(signer))
		})
	case len(creds.PasswordBlob) > 0:
		return e.vault.WithDecrypted(creds.PasswordBlob, func(d *vault.Decrypted) error {
			return fn(ssh.Password(d.String()))
		})
	default:
		return fmt.Errorf("machine has no stored credential")
	}
}

// run executes command on an already-open session, multiplexing a new
// channel (spec.md §5: "concurrent execute calls to the same machine
// multiplex channels on one session").
func (e *Executor) run(ctx context.Context, machineID string, sess *machineSession, command string) (Result, error) {
	sess.mu.Lock()
	client := sess.client
	sess.mu.Unlock()

	ch, err := client.NewSession()
	if err != nil {
		e.evictIfCurrent(machineID, sess)
		return Result{}, apierrors.Wrap(apierrors.CodeChannelError, "failed to open channel", err).WithDetail("machine_id", machineID)
	}

	var stdout, stderr bytes.Buffer
	ch.Stdout = &stdout
	ch.Stderr = &stderr

	start := time.Now()
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(command) }()

	select {
	case <-ctx.Done():
		ch.Close()
		return Result{}, apierrors.ExecTimeout(machineID, command)
	case runErr := <-runDone:
		duration := time.Since(start)
		sess.mu.Lock()
		sess.lastUsed = time.Now()
		sess.mu.Unlock()

		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{}, apierrors.Wrap(apierrors.CodeChannelError, "command execution failed", runErr).WithDetail("machine_id", machineID)
			}
		}
		return Result{
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: duration,
		}, nil
	}
}

// shellQuote wraps path in single quotes for safe use in a remote shell
// command, escaping any embedded single quote.
func shellQuote(path string) string {
	escaped := ""
	for _, r := range path {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
