package ingest

import (
	"fmt"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// Phase is a step of a sync.
type Phase int

const (
	PhaseDiscovering Phase = iota
	PhaseScanning
	PhaseNormalizing
	PhaseSaving
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseScanning:
		return "scanning"
	case PhaseNormalizing:
		return "normalizing"
	case PhaseSaving:
		return "saving"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Progress is reported at the start of each phase. Only the count matching
// the phase is set.
type Progress struct {
	Agent        model.Agent
	Phase        Phase
	FileCount    int
	RecordCount  int
	MessageCount int
	TotalRecords int
}

func (p Progress) String() string {
	switch p.Phase {
	case PhaseDiscovering:
		return fmt.Sprintf("%s: discovering sources...", p.Agent)
	case PhaseScanning:
		return fmt.Sprintf("%s: scanning %d files...", p.Agent, p.FileCount)
	case PhaseNormalizing:
		return fmt.Sprintf("%s: normalizing %d records...", p.Agent, p.RecordCount)
	case PhaseSaving:
		return fmt.Sprintf("%s: saving %d messages...", p.Agent, p.MessageCount)
	case PhaseDone:
		return fmt.Sprintf("%s: done, %d records", p.Agent, p.TotalRecords)
	}
	return fmt.Sprintf("%s: %s", p.Agent, p.Phase)
}
