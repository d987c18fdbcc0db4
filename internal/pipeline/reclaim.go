package pipeline

import (
	"context"
	"fmt"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

const abandonedReason = "processing abandoned"

// reclaim moves a receipt out of a pending state its run abandoned.
func (o *Orchestrator) reclaim(ctx context.Context, r *receipt.Receipt) (*receipt.Receipt, error) {
	if o.timeSource.Now().Sub(r.UpdatedAt) < o.cfg.StaleAfter {
		return r, errs.NewConflictError(fmt.Sprintf("receipt %s is already being processed", r.ID))
	}

	failed, _ := receipt.FailureState(r.State)
	logger.FromContext(ctx).Warn("Reclaiming stale receipt", "state", r.State, "updated_at", r.UpdatedAt)
	return o.transition(ctx, r, failed, abandonedReason)
}

// ReclaimStale moves every receipt stuck in a pending state for longer
// than StaleAfter to its failed state, so it can be processed again. It
// returns how many receipts were reclaimed.
func (o *Orchestrator) ReclaimStale(ctx context.Context) (int, error) {
	before := o.timeSource.Now().Add(-o.cfg.StaleAfter)
	reclaimed := 0

	for _, state := range []receipt.State{receipt.StateOCRPending, receipt.StateExtractionPending} {
		stale, err := o.repo.ListStale(ctx, state, before)
		if err != nil {
			return reclaimed, fmt.Errorf("listing stale receipts: %w", err)
		}

		for _, r := range stale {
			_, rctx := logger.With(ctx, "receipt_id", r.ID, "user_id", r.UserID)
			_, err := o.reclaim(rctx, r)
			if errs.KindOf(err) == errs.KindConsistency {
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}
