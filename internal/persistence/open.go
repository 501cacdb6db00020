package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"
)

// OpenBackend builds a Backend from a DSN. Supported schemes:
//
//	memory://<name>
//	sqlite://<path>            (sqlite://:memory: for a throwaway database)
//	postgres://... | postgresql://...
//	redis://host:port/db?prefix=<key prefix>
//	mongodb://host:port/<database>
//	dynamodb://<table>?region=<region>&endpoint=<url>
func OpenBackend(ctx context.Context, dsn string) (Backend, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("persistence: invalid dsn %q", dsn)
	}
	switch scheme {
	case "memory":
		if rest == "" {
			rest = "memory"
		}
		return NewMemoryBackend(rest), nil
	case "sqlite":
		db, err := OpenSQLite(rest)
		if err != nil {
			return nil, err
		}
		return NewSQLBackend(ctx, db, DialectSQLite)
	case "postgres", "postgresql":
		db, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLBackend(ctx, db, DialectPostgres)
	case "redis", "rediss":
		client, prefix, err := OpenRedis(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(client, prefix), nil
	case "mongodb", "mongodb+srv":
		client, dbName, err := OpenMongo(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewMongoBackend(ctx, client, dbName)
	case "dynamodb":
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		return OpenDynamoBackend(ctx, u.Host, q.Get("region"), q.Get("endpoint"))
	default:
		return nil, fmt.Errorf("persistence: unsupported backend scheme %q", scheme)
	}
}

// OpenRunStore builds a RunStore from a DSN: memory://, sqlite://,
// postgres:// or redis://.
func OpenRunStore(ctx context.Context, dsn string) (RunStore, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("persistence: invalid dsn %q", dsn)
	}
	switch scheme {
	case "memory":
		return NewMemoryRunStore(), nil
	case "sqlite":
		db, err := OpenSQLite(rest)
		if err != nil {
			return nil, err
		}
		return NewSQLRunStore(ctx, db, DialectSQLite)
	case "postgres", "postgresql":
		db, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLRunStore(ctx, db, DialectPostgres)
	case "redis", "rediss":
		client, prefix, err := OpenRedis(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewRedisRunStore(client, prefix), nil
	default:
		return nil, fmt.Errorf("persistence: unsupported run store scheme %q", scheme)
	}
}

// OpenSQLite opens a modernc SQLite database limited to one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" && !strings.Contains(path, "?") {
		// The data gateway and the run store may share one file.
		path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return db, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenRedis connects to a redis:// URL. The optional prefix query
// parameter is returned separately.
func OpenRedis(ctx context.Context, dsn string) (*redis.Client, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	q := u.Query()
	prefix := q.Get("prefix")
	q.Del("prefix")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, "", err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, "", err
	}
	return client, prefix, nil
}

// OpenMongo connects and returns the database named by the URI path.
func OpenMongo(ctx context.Context, dsn string) (*mongo.Client, string, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, "", err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, "", err
	}
	dbName := ""
	if u, err := url.Parse(dsn); err == nil {
		dbName = strings.TrimPrefix(u.Path, "/")
	}
	return client, dbName, nil
}
