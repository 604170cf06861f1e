// Package transfer moves case data between the local staging area and the
// GPU host over SFTP, verifying every file with a SHA-256 round trip.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/remoteshell"
	"github.com/medqa/conductor/pkg/types"
	"github.com/medqa/conductor/pkg/worker"
)

const (
	opUpload   = "upload"
	opDownload = "download"
)

type transferPayload struct {
	CaseID     string `json:"case_id"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

type failurePayload struct {
	CaseID    string `json:"case_id"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// Service performs verified SFTP transfers. Each operation dials its own
// connection.
type Service struct {
	shell  *remoteshell.Shell
	logger zerolog.Logger
}

// NewService creates a transfer service for the configured host.
func NewService(cfg config.HPCConfig) *Service {
	return &Service{
		shell:  remoteshell.New(cfg),
		logger: log.WithComponent("file_transfer"),
	}
}

// New builds the file-transfer worker.
func New(cfg *config.Config, b *bus.Bus) *worker.Worker {
	svc := NewService(cfg.HPC)

	w := worker.New(
		"file_transfer",
		cfg.Queues.FileTransfer,
		cfg.Queues.Conductor,
		b,
		cfg.Transfer.MaxRetries,
		time.Duration(cfg.Transfer.RetryDelaySec)*time.Second,
	)

	required := []string{"case_id", "local_path", "remote_path"}
	w.Handle(bus.CmdUploadCase, worker.Handler{
		RequiredFields: required,
		Run: func(ctx context.Context, msg bus.Message) (*worker.Result, error) {
			var p transferPayload
			if err := msg.DecodePayload(&p); err != nil {
				return nil, err
			}
			if err := svc.Upload(p.LocalPath, p.RemotePath); err != nil {
				return nil, err
			}
			return &worker.Result{Command: bus.CmdCaseUploadCompleted, Payload: p}, nil
		},
		OnFailure: failureFor(opUpload),
	})
	w.Handle(bus.CmdDownloadResults, worker.Handler{
		RequiredFields: required,
		Run: func(ctx context.Context, msg bus.Message) (*worker.Result, error) {
			var p transferPayload
			if err := msg.DecodePayload(&p); err != nil {
				return nil, err
			}
			if err := svc.Download(p.RemotePath, p.LocalPath); err != nil {
				return nil, err
			}
			return &worker.Result{Command: bus.CmdResultsDownloadCompleted, Payload: p}, nil
		},
		OnFailure: failureFor(opDownload),
	})
	return w
}

func failureFor(operation string) func(msg bus.Message, err error) *worker.Result {
	return func(msg bus.Message, err error) *worker.Result {
		var p transferPayload
		if decodeErr := msg.DecodePayload(&p); decodeErr != nil {
			return nil
		}
		return &worker.Result{
			Command: bus.CmdFileTransferFailed,
			Payload: failurePayload{CaseID: p.CaseID, Operation: operation, Error: err.Error()},
		}
	}
}

func (s *Service) connect() (*sftp.Client, io.Closer, error) {
	sshClient, err := s.shell.Client()
	if err != nil {
		return nil, nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("%w: opening sftp channel: %v", types.ErrNetwork, err)
	}
	return client, sshClient, nil
}

// Upload copies a local file or directory tree to the remote path and
// verifies every file's checksum after writing.
func (s *Service) Upload(localPath, remotePath string) error {
	client, conn, err := s.connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.IsDir() {
		return s.uploadFile(client, localPath, remotePath)
	}

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", types.ErrNetwork, target, err)
			}
			return nil
		}
		return s.uploadFile(client, p, target)
	})
}

func (s *Service) uploadFile(client *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", types.ErrNetwork, path.Dir(remotePath), err)
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", types.ErrNetwork, remotePath, err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, hasher)); err != nil {
		dst.Close()
		return fmt.Errorf("%w: writing %s: %v", types.ErrNetwork, remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", types.ErrNetwork, remotePath, err)
	}

	want := hex.EncodeToString(hasher.Sum(nil))
	got, err := remoteSHA256(client, remotePath)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s: local %s remote %s", types.ErrDataIntegrity, remotePath, want, got)
	}
	s.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("upload verified")
	return nil
}

// Download copies a remote file or directory tree to the local path with
// per-file verification.
func (s *Service) Download(remotePath, localPath string) error {
	client, conn, err := s.connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	info, err := client.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", types.ErrNetwork, remotePath, err)
	}
	if !info.IsDir() {
		return s.downloadFile(client, remotePath, localPath)
	}

	walker := client.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("%w: walking %s: %v", types.ErrNetwork, remotePath, err)
		}
		rel := strings.TrimPrefix(walker.Path(), remotePath)
		rel = strings.TrimPrefix(rel, "/")
		target := filepath.Join(localPath, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
			continue
		}
		if err := s.downloadFile(client, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) downloadFile(client *sftp.Client, remotePath, localPath string) error {
	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", types.ErrNetwork, remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(localPath), err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", localPath, err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, hasher)); err != nil {
		dst.Close()
		return fmt.Errorf("%w: reading %s: %v", types.ErrNetwork, remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", localPath, err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	want, err := remoteSHA256(client, remotePath)
	if err != nil {
		return err
	}
	if got != want {
		os.Remove(localPath)
		return fmt.Errorf("%w: %s: local %s remote %s", types.ErrDataIntegrity, localPath, got, want)
	}
	s.logger.Debug().Str("remote", remotePath).Str("local", localPath).Msg("download verified")
	return nil
}

// remoteSHA256 re-reads the remote file through the SFTP channel and
// hashes it, so a truncated or corrupted write is caught.
func remoteSHA256(client *sftp.Client, remotePath string) (string, error) {
	f, err := client.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("%w: reopening %s for verification: %v", types.ErrNetwork, remotePath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("%w: hashing %s: %v", types.ErrNetwork, remotePath, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
