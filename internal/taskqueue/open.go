package taskqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/petrijr/delaywatch/internal/persistence"
)

// Open builds a Queue from a DSN. Supported schemes are memory://,
// sqlite://<path>, postgres://, redis://host:port/db?prefix=<p> and
// mongodb://host:port/<database>.
func Open(ctx context.Context, dsn string) (Queue, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("taskqueue: invalid dsn %q", dsn)
	}
	switch scheme {
	case "memory":
		return NewInMemoryQueue(0), nil
	case "sqlite":
		db, err := persistence.OpenSQLite(rest)
		if err != nil {
			return nil, err
		}
		return NewSQLiteQueue(ctx, db)
	case "postgres", "postgresql":
		db, err := persistence.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewPostgresQueue(ctx, db)
	case "redis", "rediss":
		client, prefix, err := persistence.OpenRedis(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, prefix), nil
	case "mongodb", "mongodb+srv":
		client, dbName, err := persistence.OpenMongo(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewMongoQueue(client, dbName, ""), nil
	default:
		return nil, fmt.Errorf("taskqueue: unsupported scheme %q", scheme)
	}
}
