package scanner

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/config"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/storage"
)

type fakePublisher struct {
	messages []bus.Message
	err      error
}

func (f *fakePublisher) Publish(queue string, msg bus.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func newTestScanner(t *testing.T) (*Scanner, *fakePublisher, storage.Store, string) {
	t.Helper()
	log.Init(log.Config{Level: "error", JSONOutput: true, Output: io.Discard})

	target := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.Queues.Conductor = "conductor_queue"
	cfg.Scanner.TargetDirectory = target
	cfg.Scanner.ScanIntervalSec = 60

	pub := &fakePublisher{}
	return New(cfg, store, pub), pub, store, target
}

func TestScanAnnouncesNewCaseDirectories(t *testing.T) {
	s, pub, _, target := newTestScanner(t)

	require.NoError(t, os.Mkdir(filepath.Join(target, "case1"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(target, "case2"), 0o755))
	// Loose files are not cases.
	require.NoError(t, os.WriteFile(filepath.Join(target, "notes.txt"), []byte("x"), 0o644))

	s.ScanOnce()

	require.Len(t, pub.messages, 2)
	ids := make(map[string]string)
	for _, msg := range pub.messages {
		assert.Equal(t, bus.CmdNewCaseFound, msg.Command)
		var p struct {
			CaseID   string `json:"case_id"`
			CasePath string `json:"case_path"`
		}
		require.NoError(t, msg.DecodePayload(&p))
		ids[p.CaseID] = p.CasePath
	}
	assert.Equal(t, filepath.Join(target, "case1"), ids["case1"])
	assert.Equal(t, filepath.Join(target, "case2"), ids["case2"])
}

func TestScanDoesNotReannounce(t *testing.T) {
	s, pub, _, target := newTestScanner(t)
	require.NoError(t, os.Mkdir(filepath.Join(target, "case1"), 0o755))

	s.ScanOnce()
	s.ScanOnce()
	assert.Len(t, pub.messages, 1)

	// A case added later is still picked up.
	require.NoError(t, os.Mkdir(filepath.Join(target, "case2"), 0o755))
	s.ScanOnce()
	assert.Len(t, pub.messages, 2)
}

func TestScanPublishFailureRecordsPathAsSeen(t *testing.T) {
	s, pub, store, target := newTestScanner(t)
	require.NoError(t, os.Mkdir(filepath.Join(target, "case1"), 0o755))

	pub.err = errors.New("broker gone")
	s.ScanOnce()
	assert.Empty(t, pub.messages)

	paths, err := store.ScannedCasePaths()
	require.NoError(t, err)
	assert.Contains(t, paths, filepath.Join(target, "case1"))

	// A failed path stays quiet even after the broker recovers.
	pub.err = nil
	s.ScanOnce()
	assert.Empty(t, pub.messages)
}
