package worker

import (
	"context"
	"log"
	"time"

	"github.com/qinjingliuan/berryllm-studio/internal/chat"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
)

// Processor runs queued chat jobs through the multiplexer.
type Processor struct {
	svc *chat.Service
	mux *mux.Multiplexer
}

func NewProcessor(svc *chat.Service, m *mux.Multiplexer) *Processor {
	return &Processor{svc: svc, mux: m}
}

// Handle executes one job. The job row records the outcome; the returned error
// only tells the queue to dead-letter the delivery.
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	repo := p.svc.Repo()
	jobStart := time.Now()

	t0 := time.Now()
	claimed, err := repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	updateCost := time.Since(t0)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed && j.Done() {
		log.Printf("[worker] job=%s already %s, skipping", jobID, j.Status)
		return nil
	}

	// another process may have appended turns since this one loaded the session
	if _, err := p.svc.Refresh(ctx, j.SessionID); err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	t1 := time.Now()
	reply, err := p.mux.Do(ctx, j.SessionID, j.Prompt)
	genCost := time.Since(t1)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		log.Printf("[worker] job_timing_failed job=%s session=%s update=%s gen=%s total=%s err=%v",
			jobID, j.SessionID, updateCost, genCost, time.Since(jobStart), err,
		)
		return err
	}

	if err := repo.MarkJobSucceeded(ctx, jobID, reply); err != nil {
		return err
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Printf("[worker] job_timing job=%s session=%s update=%s gen=%s total=%s",
			jobID, j.SessionID, updateCost, genCost, total,
		)
	}
	return nil
}
