package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/pkg/api"
)

// PatchID names a change to recurring-loop behavior. Runs created before a
// patch's introduction keep the old behavior for their whole life, including
// after Recover in a newer build.
type PatchID string

const (
	// PatchDeliveryCacheFallback: a failed delivery refresh falls back to the
	// copy cached at the start of the run instead of failing the run.
	PatchDeliveryCacheFallback PatchID = "delivery-cache-fallback"

	// PatchIterationRecords: every iteration writes its own execution record.
	PatchIterationRecords PatchID = "iteration-records"

	// PatchNotificationDedup: repeat notifications go through deduplication.
	PatchNotificationDedup PatchID = "notification-dedup"
)

// Patch is a dated behavior change.
type Patch struct {
	ID          PatchID
	Introduced  time.Time
	Description string
}

var patches = []Patch{
	{
		ID:          PatchDeliveryCacheFallback,
		Introduced:  time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		Description: "use cached delivery details when a refresh fails",
	},
	{
		ID:          PatchIterationRecords,
		Introduced:  time.Date(2024, 9, 16, 0, 0, 0, 0, time.UTC),
		Description: "persist one execution record per recurring iteration",
	},
	{
		ID:          PatchNotificationDedup,
		Introduced:  time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC),
		Description: "deduplicate repeat delay notifications",
	},
}

// Patches returns the known patches in introduction order.
func Patches() []Patch {
	return append([]Patch(nil), patches...)
}

func lookupPatch(id PatchID) (Patch, bool) {
	for _, p := range patches {
		if p.ID == id {
			return p, true
		}
	}
	return Patch{}, false
}

// Patched reports whether run takes the new branch of patch id. The answer
// depends only on the run's persisted creation time. Unknown ids are
// treated as retired patches.
func Patched(run *api.Run, id PatchID) bool {
	p, ok := lookupPatch(id)
	if !ok {
		return true
	}
	return !run.CreatedAt.Before(p.Introduced)
}

// PatchRetirementBlockers lists the active runs still on the old branch of
// patch id. The patch may be removed once the list is empty.
func (e *Engine) PatchRetirementBlockers(ctx context.Context, id PatchID) ([]*api.Run, error) {
	if _, ok := lookupPatch(id); !ok {
		return nil, fmt.Errorf("%w: unknown patch %q", api.ErrInvalidInput, id)
	}
	runs, err := e.runs.ListRuns(ctx, persistence.RunFilter{Status: api.StatusRunning})
	if err != nil {
		return nil, err
	}
	var out []*api.Run
	for _, run := range runs {
		if !Patched(run, id) {
			out = append(out, run)
		}
	}
	return out, nil
}
