package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// sharedContainer starts one container per image for the whole test binary.
// Ryuk reaps it when the binary exits.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	postgresC sharedContainer
	redisC    sharedContainer
	mongoC    sharedContainer
	dynamoC   sharedContainer
)

func (c *sharedContainer) get(t *testing.T, image, port string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in short mode", image)
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		opts = append([]testcontainers.ContainerCustomizer{testcontainers.WithExposedPorts(port)}, opts...)
		container, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}
		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			_ = container.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.endpoint
}

// PostgresDSN returns a DSN for a shared postgres:16 container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgresC.get(t, "postgres:16", "5432/tcp",
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://delaywatch:delaywatch@%s:%s/delaywatch_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "delaywatch",
			"POSTGRES_PASSWORD": "delaywatch",
			"POSTGRES_DB":       "delaywatch_test",
		}),
	)
	return fmt.Sprintf("postgres://delaywatch:delaywatch@%s/delaywatch_test?sslmode=disable", endpoint)
}

// RedisDSN returns a redis:// URL for a shared Redis container.
func RedisDSN(t *testing.T) string {
	t.Helper()
	endpoint := redisC.get(t, "redis:7", "6379/tcp",
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	return "redis://" + endpoint + "/0"
}

// MongoDSN returns a mongodb:// URI for a shared mongo:7 container.
func MongoDSN(t *testing.T) string {
	t.Helper()
	endpoint := mongoC.get(t, "mongo:7", "27017/tcp",
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	return "mongodb://" + endpoint
}

// DynamoEndpoint returns the HTTP endpoint of a shared DynamoDB Local
// container and sets dummy AWS credentials for the test.
func DynamoEndpoint(t *testing.T) string {
	t.Helper()
	endpoint := dynamoC.get(t, "amazon/dynamodb-local:latest", "8000/tcp",
		testcontainers.WithCmd("-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("8000/tcp")),
	)
	t.Setenv("AWS_ACCESS_KEY_ID", "local")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "local")
	return "http://" + endpoint
}
