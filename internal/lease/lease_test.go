package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client, "test:", ttl, logging.New(nil, "silent"))
}

func TestRedis_AcquireRelease(t *testing.T) {
	mr, r := newRedis(t, time.Minute)
	ctx := context.Background()

	l, err := r.Acquire(ctx, "irc:#dev")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:irc:#dev"))
	assert.Equal(t, time.Minute, mr.TTL("test:irc:#dev"))

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists("test:irc:#dev"))

	// Second release is a no-op.
	assert.NoError(t, l.Release(ctx))
}

func TestRedis_Contention(t *testing.T) {
	_, r := newRedis(t, time.Minute)
	ctx := context.Background()

	held, err := r.Acquire(ctx, "c1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(short, "c1")
	require.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other conversations are independent.
	other, err := r.Acquire(ctx, "c2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	got := make(chan Lease, 1)
	go func() {
		l, err := r.Acquire(ctx, "c1")
		if err == nil {
			got <- l
		}
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, held.Release(ctx))

	select {
	case l := <-got:
		require.NoError(t, l.Release(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lease")
	}
}

func TestRedis_ReleaseDoesNotStealTakenOverKey(t *testing.T) {
	mr, r := newRedis(t, time.Minute)
	ctx := context.Background()

	l, err := r.Acquire(ctx, "c1")
	require.NoError(t, err)

	// Simulate expiry followed by another holder.
	require.NoError(t, mr.Set("test:c1", "someone-else"))

	require.NoError(t, l.Release(ctx))
	v, err := mr.Get("test:c1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedis_KeepAliveExtends(t *testing.T) {
	mr, r := newRedis(t, 200*time.Millisecond)
	ctx := context.Background()

	l, err := r.Acquire(ctx, "c1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		// miniredis does not expire keys on its own; the extend script
		// resets the TTL to the full value.
		mr.SetTTL("test:c1", 10*time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		return mr.TTL("test:c1") == 200*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Release(ctx))
}

func TestNoop(t *testing.T) {
	l, err := Noop{}.Acquire(context.Background(), "anything")
	require.NoError(t, err)
	assert.NoError(t, l.Release(context.Background()))
}

func TestFromConfig(t *testing.T) {
	log := logging.New(nil, "silent")

	leaser, closeFn := FromConfig(config.LeaseConfig{}, log)
	assert.IsType(t, Noop{}, leaser)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	leaser, closeFn = FromConfig(config.LeaseConfig{Enabled: true, RedisAddr: mr.Addr(), Prefix: "p:"}, log)
	defer closeFn()
	r, ok := leaser.(*Redis)
	require.True(t, ok)
	assert.Equal(t, DefaultTTL, r.ttl)

	l, err := r.Acquire(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, mr.Exists("p:c"))
	require.NoError(t, l.Release(context.Background()))
}
