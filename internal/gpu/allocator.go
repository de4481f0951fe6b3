package gpu

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Allocation is an ordered list of device ids, best first.
type Allocation []string

// VisibleDevices renders the allocation as a CUDA_VISIBLE_DEVICES value.
func (a Allocation) VisibleDevices() string {
	return strings.Join(a, ",")
}

// Score is a device load with its weighted score.
type Score struct {
	DeviceLoad
	Score float64 `json:"score"`
}

// Allocator picks the least-loaded devices for a stage. It reserves nothing:
// two callers asking at the same time may get the same devices.
type Allocator struct {
	source        TelemetrySource
	memoryWeight  float64
	computeWeight float64
	logger        *zap.Logger
}

// NewAllocator creates an allocator. Weights default to 0.25 memory, 0.75 compute
// when both are zero.
func NewAllocator(source TelemetrySource, memoryWeight, computeWeight float64, logger *zap.Logger) *Allocator {
	if memoryWeight == 0 && computeWeight == 0 {
		memoryWeight, computeWeight = 0.25, 0.75
	}
	return &Allocator{
		source:        source,
		memoryWeight:  memoryWeight,
		computeWeight: computeWeight,
		logger:        logger.Named("allocator"),
	}
}

// Scores returns every device ordered by ascending score, ties broken by lower index.
func (a *Allocator) Scores(ctx context.Context) ([]Score, error) {
	loads, err := a.source.Devices(ctx)
	if err != nil {
		return nil, err
	}
	scores := make([]Score, len(loads))
	for i, l := range loads {
		scores[i] = Score{
			DeviceLoad: l,
			Score:      a.memoryWeight*l.MemoryFraction + a.computeWeight*l.ComputeFraction,
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score < scores[j].Score
		}
		return scores[i].Index < scores[j].Index
	})
	return scores, nil
}

// Allocate returns the k lowest-scoring device ids, or all of them when fewer
// than k exist. k <= 0 returns an empty allocation.
func (a *Allocator) Allocate(ctx context.Context, k int) (Allocation, error) {
	if k <= 0 {
		return nil, nil
	}
	scores, err := a.Scores(ctx)
	if err != nil {
		return nil, err
	}
	if k > len(scores) {
		k = len(scores)
	}
	alloc := make(Allocation, 0, k)
	for _, s := range scores[:k] {
		alloc = append(alloc, s.ID)
	}
	a.logger.Debug("Allocated devices", zap.Strings("devices", alloc), zap.Int("requested", k))
	return alloc, nil
}
