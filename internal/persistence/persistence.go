package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Persistence bundles the data gateway and the run store so the engine
// can depend on a single value.
type Persistence struct {
	Data *Gateway
	Runs RunStore
}

// Open builds the gateway from a primary DSN plus mirror DSNs, and the run
// store from runsDSN. Any backend already opened is closed on failure.
func Open(ctx context.Context, primaryDSN string, mirrorDSNs []string, runsDSN string, logger *slog.Logger) (*Persistence, error) {
	primary, err := OpenBackend(ctx, primaryDSN)
	if err != nil {
		return nil, fmt.Errorf("open primary backend: %w", err)
	}

	mirrors := make([]Backend, 0, len(mirrorDSNs))
	closeAll := func() {
		_ = primary.Close()
		for _, m := range mirrors {
			_ = m.Close()
		}
	}
	for _, dsn := range mirrorDSNs {
		m, err := OpenBackend(ctx, dsn)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open mirror backend: %w", err)
		}
		mirrors = append(mirrors, m)
	}

	runs, err := OpenRunStore(ctx, runsDSN)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("open run store: %w", err)
	}

	return &Persistence{Data: NewGateway(primary, mirrors, logger), Runs: runs}, nil
}

// NewInMemory returns a Persistence with a single memory backend and a
// memory run store.
func NewInMemory(logger *slog.Logger) *Persistence {
	return &Persistence{
		Data: NewGateway(NewMemoryBackend("memory"), nil, logger),
		Runs: NewMemoryRunStore(),
	}
}

func (p *Persistence) Close() error {
	return errors.Join(p.Data.Close(), p.Runs.Close())
}
