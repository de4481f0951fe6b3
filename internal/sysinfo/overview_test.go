package sysinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollectReportsWorkspaceDisk(t *testing.T) {
	dir := t.TempDir()
	o := Collect(context.Background(), dir, zap.NewNop())

	assert.Equal(t, dir, o.WorkspacePath)
	assert.Greater(t, o.TotalDiskSpaceGB, 0.0)
	assert.GreaterOrEqual(t, o.TotalDiskSpaceGB, o.FreeDiskSpaceGB)
	assert.Greater(t, o.CPUCount, 0)
	assert.NotEmpty(t, o.CollectedAt)
}

func TestCollectToleratesMissingWorkspace(t *testing.T) {
	o := Collect(context.Background(), "/does/not/exist/anywhere", zap.NewNop())
	assert.Zero(t, o.TotalDiskSpaceGB)
}
