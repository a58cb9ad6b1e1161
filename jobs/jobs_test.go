package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string `json:"name"`
}

func TestInlineScheduler_RunsImmediately(t *testing.T) {
	registry := NewRegistry()
	var got greeting
	registry.Register("greet", func(ctx context.Context, payload json.RawMessage) error {
		return json.Unmarshal(payload, &got)
	})

	id, err := NewInlineScheduler(registry).Schedule(context.Background(), "greet", greeting{Name: "ada"}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "ada", got.Name)
}

func TestInlineScheduler_PropagatesErrors(t *testing.T) {
	registry := NewRegistry()
	boom := errors.New("boom")
	registry.Register("fail", func(ctx context.Context, payload json.RawMessage) error {
		return boom
	})

	_, err := NewInlineScheduler(registry).Schedule(context.Background(), "fail", nil, 0)
	assert.ErrorIs(t, err, boom)
}

func TestDelayedScheduler_WaitsForDelay(t *testing.T) {
	registry := NewRegistry()
	ran := make(chan string, 1)
	registry.Register("greet", func(ctx context.Context, payload json.RawMessage) error {
		var g greeting
		if err := json.Unmarshal(payload, &g); err != nil {
			return err
		}
		ran <- g.Name
		return nil
	})

	scheduler := NewDelayedScheduler(registry)
	defer scheduler.Stop()

	id, err := scheduler.Schedule(context.Background(), "greet", greeting{Name: "ada"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-ran:
		t.Fatal("job ran before its delay")
	default:
	}
	assert.Equal(t, 1, scheduler.Pending())

	select {
	case name := <-ran:
		assert.Equal(t, "ada", name)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	assert.Eventually(t, func() bool { return scheduler.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDelayedScheduler_StopDropsPending(t *testing.T) {
	registry := NewRegistry()
	ran := make(chan struct{}, 1)
	registry.Register("noop", func(ctx context.Context, payload json.RawMessage) error {
		ran <- struct{}{}
		return nil
	})

	scheduler := NewDelayedScheduler(registry)
	_, err := scheduler.Schedule(context.Background(), "noop", nil, 50*time.Millisecond)
	require.NoError(t, err)
	scheduler.Stop()
	assert.Zero(t, scheduler.Pending())

	_, err = scheduler.Schedule(context.Background(), "noop", nil, 0)
	assert.Error(t, err)

	select {
	case <-ran:
		t.Fatal("stopped job ran")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRegistry_UnknownJob(t *testing.T) {
	err := NewRegistry().Run(context.Background(), Job{Name: "missing"})
	assert.Error(t, err)
}

// Needs a disposable Redis, e.g. SCRIPTORIUM_TEST_REDIS=redis://localhost:6379/15
func TestRedisScheduler(t *testing.T) {
	redisURL := os.Getenv("SCRIPTORIUM_TEST_REDIS")
	if redisURL == "" {
		t.Skip("SCRIPTORIUM_TEST_REDIS not set")
	}

	ctx := context.Background()
	client, err := ConnectRedis(ctx, redisURL)
	require.NoError(t, err)
	defer client.Close()

	key := "scriptorium:test:" + t.Name()
	client.Del(ctx, key)
	defer client.Del(ctx, key)

	registry := NewRegistry()
	var names []string
	registry.Register("greet", func(ctx context.Context, payload json.RawMessage) error {
		var g greeting
		if err := json.Unmarshal(payload, &g); err != nil {
			return err
		}
		names = append(names, g.Name)
		return nil
	})

	scheduler := NewRedisScheduler(client, key, registry, 10*time.Millisecond)
	_, err = scheduler.Schedule(ctx, "greet", greeting{Name: "now"}, 0)
	require.NoError(t, err)
	_, err = scheduler.Schedule(ctx, "greet", greeting{Name: "later"}, time.Hour)
	require.NoError(t, err)

	ran, err := scheduler.RunDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"now"}, names)

	pending, err := scheduler.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	ran, err = scheduler.RunDue(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"now", "later"}, names)
}
