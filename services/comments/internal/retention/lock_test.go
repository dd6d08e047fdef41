package retention

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("set GO_TEST_INTEGRATION=1 to run Redis integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisLocker(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	c1 := NewRedisClient(url)
	c2 := NewRedisClient(url)
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	a := NewRedisLocker(c1, "test:lock", time.Minute)
	b := NewRedisLocker(c2, "test:lock", time.Minute)

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not take a held lock")

	unlock()
	unlockB, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	unlockB()
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	client := NewRedisClient(url)
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client, "test:expiry", 100*time.Millisecond)
	b := NewRedisLocker(client, "test:expiry", time.Minute)

	unlockA, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(250 * time.Millisecond)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	unlockA() // must not delete b's key
	exists, err := client.Exists(ctx, "test:expiry").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)
}
