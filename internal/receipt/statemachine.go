package receipt

import (
	"fmt"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// State is a receipt's processing state.
type State string

const (
	StateUploaded          State = "uploaded"
	StateOCRPending        State = "ocr_pending"
	StateOCRDone           State = "ocr_done"
	StateOCRFailed         State = "ocr_failed"
	StateExtractionPending State = "extraction_pending"
	StateExtracted         State = "extracted"
	StateExtractionFailed  State = "extraction_failed"
)

// transitions lists the allowed successors of each state. Failed states
// lead back into their pending state so a receipt can be reprocessed.
var transitions = map[State][]State{
	StateUploaded:          {StateOCRPending},
	StateOCRPending:        {StateOCRDone, StateOCRFailed},
	StateOCRFailed:         {StateOCRPending},
	StateOCRDone:           {StateExtractionPending},
	StateExtractionPending: {StateExtracted, StateExtractionFailed},
	StateExtractionFailed:  {StateExtractionPending},
	StateExtracted:         {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Pending reports whether a run is in flight in state s.
func (s State) Pending() bool {
	return s == StateOCRPending || s == StateExtractionPending
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateExtracted || s == StateOCRFailed || s == StateExtractionFailed
}

// CanTransition reports whether from → to is an allowed single step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns a ConflictError for a disallowed step.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return errs.NewConflictError(fmt.Sprintf("invalid transition %s -> %s", from, to))
	}
	return nil
}

// FailureState is where a run that fails in pending state p lands.
func FailureState(p State) (State, bool) {
	switch p {
	case StateOCRPending:
		return StateOCRFailed, true
	case StateExtractionPending:
		return StateExtractionFailed, true
	}
	return "", false
}
