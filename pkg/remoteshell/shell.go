// Package remoteshell owns SSH access to the GPU host. One Shell holds a
// persistent connection for callers that issue commands repeatedly; RunOnce
// dials a throwaway connection for one command.
package remoteshell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/types"
)

// Result carries the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell is a lock-guarded persistent SSH connection. A transport error
// invalidates the connection; the next call reopens it.
type Shell struct {
	mu     sync.Mutex
	cfg    config.HPCConfig
	client *ssh.Client
	logger zerolog.Logger
}

// New creates a Shell for the configured host. No connection is made
// until the first Run.
func New(cfg config.HPCConfig) *Shell {
	return &Shell{
		cfg:    cfg,
		logger: log.WithComponent("remoteshell"),
	}
}

func clientConfig(cfg config.HPCConfig) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading SSH key %s: %v", types.ErrConfiguration, cfg.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing SSH key %s: %v", types.ErrConfiguration, cfg.SSHKeyPath, err)
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout(),
	}, nil
}

func dial(cfg config.HPCConfig) (*ssh.Client, error) {
	cc, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", addr, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", types.ErrNetwork, addr, err)
	}
	return client, nil
}

// Run executes the command on the persistent connection, reconnecting if
// needed. A transport failure drops the connection so the next call
// starts clean.
func (s *Shell) Run(ctx context.Context, command string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, err := dial(s.cfg)
		if err != nil {
			return Result{}, err
		}
		s.client = client
		s.logger.Info().Str("host", s.cfg.Host).Msg("persistent session opened")
	}

	res, err := exec(ctx, s.client, command, s.cfg.ExecTimeout())
	if err != nil && !isExitError(err) {
		s.client.Close()
		s.client = nil
		s.logger.Warn().Err(err).Msg("persistent session invalidated")
	}
	return res, err
}

// RunOnce executes the command on its own connection.
func (s *Shell) RunOnce(ctx context.Context, command string) (Result, error) {
	client, err := dial(s.cfg)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()
	return exec(ctx, client, command, s.cfg.ExecTimeout())
}

// Client dials a fresh connection for callers needing the raw transport,
// such as SFTP. The caller owns its lifecycle.
func (s *Shell) Client() (*ssh.Client, error) {
	return dial(s.cfg)
}

// Close tears down the persistent connection.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func isExitError(err error) bool {
	_, ok := err.(*ssh.ExitError)
	return ok
}

// exec runs one command in a fresh session with a deadline. On timeout
// the session is closed, killing the remote command.
func exec(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening session: %v", types.ErrNetwork, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("%w: command timed out after %s", types.ErrRemoteExecution, timeout)
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, fmt.Errorf("%w: exit status %d: %s",
				types.ErrRemoteExecution, res.ExitCode, firstLine(stderr.String()))
		}
		return res, fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	return res, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
