package pipeline

import (
	"path/filepath"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/executor"
	"github.com/dante-gpu/asset-worker/internal/publisher"
)

// Paths resolves stage arguments against the job workspace and the model checkouts.
type Paths struct {
	Workspace string
	Models    string
}

// W joins rel onto the workspace directory.
func (p Paths) W(rel ...string) string {
	return filepath.Join(append([]string{p.Workspace}, rel...)...)
}

// M joins rel onto the models directory.
func (p Paths) M(rel ...string) string {
	return filepath.Join(append([]string{p.Models}, rel...)...)
}

// Stage is one step of a pipeline. All paths are relative to the job workspace.
type Stage struct {
	Name    string
	Runtime string
	Command func(p Paths) executor.Command
	// Requires lists inputs that must exist before the stage can run at all.
	Requires []string
	// SkipIf lists paths whose joint presence means the stage already ran.
	// Empty means Outputs.
	SkipIf  []string
	Outputs []string
	Kind    apperrors.Kind
	// GPUs is how many devices to restrict the process to; 0 leaves visibility unrestricted.
	GPUs    int
	Publish *publisher.Publication
}

func (s Stage) skipPaths() []string {
	if len(s.SkipIf) > 0 {
		return s.SkipIf
	}
	return s.Outputs
}
