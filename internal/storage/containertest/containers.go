// Package containertest starts shared database containers for backend tests.
// Containers start once per test binary and only when KABUKA_TEST_DOCKER=true.
package containertest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvDocker enables container-backed tests.
const EnvDocker = "KABUKA_TEST_DOCKER"

// RequireDocker skips t unless container tests are enabled.
func RequireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvDocker) != "true" {
		t.Skipf("set %s=true to run container-backed tests", EnvDocker)
	}
}

// Container is a started container and its mapped endpoint.
type Container struct {
	container testcontainers.Container
	Host      string
	Port      string
}

// Terminate stops the container.
func (c *Container) Terminate() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}

type shared struct {
	once sync.Once
	c    *Container
	err  error
}

var (
	surreal  shared
	postgres shared
)

func (s *shared) start(t *testing.T, req testcontainers.ContainerRequest, port string) *Container {
	t.Helper()
	RequireDocker(t)

	s.once.Do(func() {
		s.c, s.err = startContainer(req, port)
	})
	if s.err != nil {
		t.Fatalf("container %s failed: %v", req.Image, s.err)
	}
	return s.c
}

func startContainer(req testcontainers.ContainerRequest, port string) (*Container, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("get host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("get port: %w", err)
	}

	return &Container{container: container, Host: host, Port: mapped.Port()}, nil
}

// StartSurrealDB returns the shared SurrealDB container (root/root).
func StartSurrealDB(t *testing.T) *Container {
	return surreal.start(t, testcontainers.ContainerRequest{
		Image:        "surrealdb/surrealdb:v3.0.0",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"start", "--user", "root", "--pass", "root"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("8000/tcp"),
			wait.ForLog("Started web server"),
		).WithDeadline(60 * time.Second),
	}, "8000/tcp")
}

// SurrealAddress is the WebSocket RPC address of c.
func SurrealAddress(c *Container) string {
	return fmt.Sprintf("ws://%s:%s/rpc", c.Host, c.Port)
}

// StartPostgres returns the shared PostgreSQL container (kabuka/kabuka, db kabuka).
func StartPostgres(t *testing.T) *Container {
	return postgres.start(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kabuka",
			"POSTGRES_PASSWORD": "kabuka",
			"POSTGRES_DB":       "kabuka",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(60 * time.Second),
	}, "5432/tcp")
}

// PostgresDSN is the connection string for c.
func PostgresDSN(c *Container) string {
	return fmt.Sprintf("postgres://kabuka:kabuka@%s:%s/kabuka?sslmode=disable", c.Host, c.Port)
}
