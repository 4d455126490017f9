package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveUploadWritesInputAndManifest(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	jobID := uuid.NewString()

	manifest, err := local.SaveUpload(context.Background(), jobID, "../Meeting.MP3", "audio/mpeg", strings.NewReader("ID3-audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "input.mp3", manifest.Input.StoredName)
	assert.Equal(t, "Meeting.MP3", manifest.Input.OriginalName)
	assert.Equal(t, int64(len("ID3-audio-bytes")), manifest.Input.Size)

	ws, err := local.Workspace(jobID)
	require.NoError(t, err)
	loaded, err := ws.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, jobID, loaded.JobID)
	assert.Equal(t, "audio/mpeg", loaded.Input.MIMEType)

	data, err := os.ReadFile(ws.InputPath(loaded))
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio-bytes", string(data))

	for _, dir := range []string{ws.InDir, ws.WorkDir, ws.OutDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveUploadCancelledRemovesWorkspace(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = local.SaveUpload(ctx, jobID, "a.wav", "", strings.NewReader("data"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(local.Root(), jobID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkspaceRejectsInvalidJobID(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc", "job-1", strings.ToUpper(uuid.NewString())} {
		_, err := local.Workspace(id)
		assert.ErrorIs(t, err, ErrInvalidJobID, id)
	}
}

func TestOutputPathIsConfined(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ws, err := local.Workspace(uuid.NewString())
	require.NoError(t, err)

	path, err := ws.OutputPath("SPEAKER_00.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.OutDir, "SPEAKER_00.wav"), path)

	for _, name := range []string{"", ".", "..", "../manifest.json", "a/b.wav", `a\b.wav`} {
		_, err := ws.OutputPath(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestOpenOutputAndCleanup(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ws, err := local.Workspace(uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, ws.Prepare())

	require.NoError(t, os.WriteFile(filepath.Join(ws.OutDir, "transcript.json"), []byte("{}"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(ws.WorkDir, "audio.wav"), []byte("x"), 0o640))

	file, info, err := ws.OpenOutput("transcript.json")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size())
	file.Close()

	_, _, err = ws.OpenOutput("missing.wav")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ws.CleanupWork())
	_, err = os.Stat(ws.WorkDir)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, local.Remove(ws.JobID))
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadManifestMissing(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ws, err := local.Workspace(uuid.NewString())
	require.NoError(t, err)

	_, err = ws.LoadManifest()
	assert.ErrorIs(t, err, ErrNotFound)
}
