//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/conductor/internal/watch"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// E2EEnvironment is an isolated Redis server plus a client namespaced to a
// unique instance name.
type E2EEnvironment struct {
	T            *testing.T
	Ctx          context.Context
	RedisURL     string
	InstanceName string
	Client       *conductor.Client
}

// SetupE2EEnvironment starts a Redis container and connects a client to it.
// Everything is torn down when the test ends.
func SetupE2EEnvironment(t *testing.T) *E2EEnvironment {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	env := &E2EEnvironment{
		T:            t,
		Ctx:          ctx,
		RedisURL:     fmt.Sprintf("redis://%s:%s", host, port.Port()),
		InstanceName: "e2e-" + uuid.New().String()[:8],
	}
	env.Client = env.NewClient()

	t.Logf("E2E environment: instance=%s redis=%s", env.InstanceName, env.RedisURL)
	return env
}

// NewClient returns an additional client for the environment's instance.
func (env *E2EEnvironment) NewClient() *conductor.Client {
	opts, err := redis.ParseURL(env.RedisURL)
	require.NoError(env.T, err)
	client, err := conductor.NewClient(opts, env.InstanceName)
	require.NoError(env.T, err)
	env.T.Cleanup(func() { client.Close() })
	return client
}

// SendCommand publishes a command, retrying until a conductor is
// subscribed (up to 10 seconds).
func (env *E2EEnvironment) SendCommand(t conductor.CommandType, cfg *conductor.SenderConfig) {
	env.T.Helper()
	require.Eventually(env.T, func() bool {
		n, err := env.Client.PublishCommand(env.Ctx, conductor.NewCommand(t, cfg))
		return err == nil && n > 0
	}, 10*time.Second, 100*time.Millisecond, "no conductor received %s", t)
}

// WaitForPhase polls the mirrored state until it reports one of phases.
func (env *E2EEnvironment) WaitForPhase(timeout time.Duration, phases ...conductor.Phase) *conductor.Event {
	env.T.Helper()
	ev, err := watch.PollForState(env.Ctx, env.Client, watch.PhaseIs(phases...), timeout)
	require.NoError(env.T, err, "conductor never reached %v", phases)
	return ev
}
