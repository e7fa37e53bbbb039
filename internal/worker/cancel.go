package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// cancelToken is checked at every phase boundary and before every audit. A job is
// cancelled when its payload carries the flag or when the queue no longer holds it as
// active, which includes a job removed from the queue altogether.
type cancelToken struct {
	queue analysis.Queue
	jobID string
}

func (t cancelToken) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := t.queue.Get(ctx, t.jobID)
	if errors.Is(err, analysis.ErrJobNotFound) {
		return analysis.ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	if info.Payload.Cancelled {
		return analysis.ErrCancelled
	}
	active, err := t.queue.IsActive(ctx, t.jobID)
	if err != nil {
		return fmt.Errorf("check job active: %w", err)
	}
	if !active {
		return analysis.ErrCancelled
	}
	return nil
}
