package jobstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsFreshRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	rec, err := s.Load("a1", models.JobKindPhoto)
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.JobID)
	assert.Equal(t, 0, rec.Attempts)
	assert.Empty(t, rec.Stages)
}

func TestWriteThenLoad(t *testing.T) {
	root := t.TempDir()
	s := NewStore(filepath.Join(root, "a1"))

	rec, err := s.Load("a1", models.JobKindLidar)
	require.NoError(t, err)
	rec.Attempts = 2
	rec.InputsReady = true
	st := rec.Stage("convert-pointcloud")
	st.State = models.StageDone
	st.ArtifactURL = "files/a1/pointcloud.ply"
	st.Runs = 1
	require.NoError(t, s.Write(rec))

	loaded, err := s.Load("a1", models.JobKindLidar)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Attempts)
	assert.True(t, loaded.InputsReady)
	url, ok := loaded.Published("convert-pointcloud")
	assert.True(t, ok)
	assert.Equal(t, "files/a1/pointcloud.ply", url)
	_, ok = loaded.Published("generate-scene")
	assert.False(t, ok)
	assert.False(t, loaded.UpdatedAt.IsZero())

	fromCLI, err := Read(root, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.JobKindLidar, fromCLI.Kind)

	entries, err := os.ReadDir(filepath.Join(root, "a1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadRejectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))
	_, err := NewStore(dir).Load("a1", models.JobKindPhoto)
	assert.Error(t, err)
}
