package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medqa/conductor/pkg/bus"
)

func TestFailureOutcomeCarriesOperationAndError(t *testing.T) {
	msg, err := bus.NewMessage(bus.CmdUploadCase, transferPayload{
		CaseID:     "c1",
		LocalPath:  "/staging/c1",
		RemotePath: "/data/up/c1",
	})
	require.NoError(t, err)

	result := failureFor(opUpload)(msg, errors.New("connection reset"))
	require.NotNil(t, result)
	assert.Equal(t, bus.CmdFileTransferFailed, result.Command)

	p, ok := result.Payload.(failurePayload)
	require.True(t, ok)
	assert.Equal(t, "c1", p.CaseID)
	assert.Equal(t, "upload", p.Operation)
	assert.Equal(t, "connection reset", p.Error)
}

func TestFailureOutcomeNilOnUndecodablePayload(t *testing.T) {
	msg := bus.Message{Command: bus.CmdUploadCase, Payload: []byte(`{`)}
	assert.Nil(t, failureFor(opDownload)(msg, errors.New("x")))
}

func TestDownloadFailureUsesDownloadOperation(t *testing.T) {
	msg, err := bus.NewMessage(bus.CmdDownloadResults, transferPayload{
		CaseID:     "c2",
		LocalPath:  "/staging/c2",
		RemotePath: "/data/down/c2",
	})
	require.NoError(t, err)

	result := failureFor(opDownload)(msg, errors.New("timeout"))
	require.NotNil(t, result)
	p := result.Payload.(failurePayload)
	assert.Equal(t, "download", p.Operation)
}
