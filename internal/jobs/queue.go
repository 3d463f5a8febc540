package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fiscora/fiscora/internal/utils"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 5

// Queue is the producer side of the background task table.
type Queue struct {
	repo  Repo
	clock utils.Clock
}

func NewQueue(repo Repo, clock utils.Clock) *Queue {
	return &Queue{repo: repo, clock: clock}
}

// Enqueue stores a task for immediate execution. Enqueueing the same
// idempotency key twice is a no-op.
func (q *Queue) Enqueue(ctx context.Context, kind, idempotencyKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal task payload: %w", err)
	}
	now := q.clock.Now()
	_, err = q.repo.Enqueue(ctx, Task{
		ID:             uuid.NewString(),
		Kind:           kind,
		Payload:        string(body),
		IdempotencyKey: idempotencyKey,
		MaxAttempts:    defaultMaxAttempts,
		NextRunAt:      now,
		Status:         StatusPending,
		CreatedAt:      now,
	})
	return err
}
