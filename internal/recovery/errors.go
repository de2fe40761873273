package recovery

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

// ErrIncompleteEnv is returned when a required collaborator is missing.
var ErrIncompleteEnv = errors.New("recovery: incomplete execution environment")

// PhasedError is the failure of one job, tagged with the phase in progress.
type PhasedError struct {
	Phase types.ErrorPhase
	Dbid  int
	Err   error
}

func (e *PhasedError) Error() string {
	return fmt.Sprintf("recovery of dbid %d failed (%s): %v", e.Dbid, e.Phase, e.Err)
}

func (e *PhasedError) Unwrap() error { return e.Err }

// PhaseOf extracts the failing phase from err, or PhaseNone when err carries
// no phase.
func PhaseOf(err error) types.ErrorPhase {
	var pe *PhasedError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return types.PhaseNone
}
