package gpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	loads []DeviceLoad
	err   error
}

func (s staticSource) Devices(context.Context) ([]DeviceLoad, error) {
	return s.loads, s.err
}

func load(index int, mem, compute float64) DeviceLoad {
	return DeviceLoad{Index: index, ID: string(rune('0' + index)), MemoryFraction: mem, ComputeFraction: compute}
}

func TestAllocatePicksLowestScores(t *testing.T) {
	src := staticSource{loads: []DeviceLoad{
		load(0, 0.9, 0.9),
		load(1, 0.1, 0.0),
		load(2, 0.0, 0.5),
		load(3, 0.2, 0.1),
	}}
	a := NewAllocator(src, 0, 0, zap.NewNop())

	alloc, err := a.Allocate(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Allocation{"1", "3"}, alloc)
	assert.Equal(t, "1,3", alloc.VisibleDevices())
}

func TestAllocateBreaksTiesByIndex(t *testing.T) {
	src := staticSource{loads: []DeviceLoad{
		load(3, 0, 0),
		load(1, 0, 0),
		load(2, 0, 0),
	}}
	a := NewAllocator(src, 0.25, 0.75, zap.NewNop())

	alloc, err := a.Allocate(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Allocation{"1", "2"}, alloc)
}

func TestAllocateReturnsAllWhenFewer(t *testing.T) {
	a := NewAllocator(staticSource{loads: []DeviceLoad{load(0, 0.5, 0.5)}}, 0, 0, zap.NewNop())

	alloc, err := a.Allocate(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, Allocation{"0"}, alloc)

	none, err := a.Allocate(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAllocatePropagatesTelemetryFailure(t *testing.T) {
	a := NewAllocator(staticSource{err: errors.New("nvidia-smi missing")}, 0, 0, zap.NewNop())
	_, err := a.Allocate(context.Background(), 1)
	assert.Error(t, err)
}

func TestScoresAreWeighted(t *testing.T) {
	a := NewAllocator(staticSource{loads: []DeviceLoad{load(0, 0.4, 0.8)}}, 0.25, 0.75, zap.NewNop())
	scores, err := a.Scores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.7, scores[0].Score, 1e-9)
}
