package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/task/queue"
)

func TestChannel_DispatchesToRegisteredHandler(t *testing.T) {
	var mu sync.Mutex
	var got []string

	q := queue.NewChannel(queue.WithWorkers(1))
	q.RegisterHandler("greet", func(ctx context.Context, t queue.Task) error {
		mu.Lock()
		got = append(got, t.Payload.(string))
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	require.NoError(t, q.Submit(ctx, queue.Task{Kind: "greet", Payload: "hello"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
}

func TestChannel_RetriesFailingHandlerUpToMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dropped := 0

	q := queue.NewChannel(
		queue.WithWorkers(1),
		queue.WithMaxAttempts(3),
		queue.WithDropHandler(func(t queue.Task, err error) {
			mu.Lock()
			dropped++
			mu.Unlock()
		}),
	)
	q.RegisterHandler("fail", func(ctx context.Context, t queue.Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	require.NoError(t, q.Submit(ctx, queue.Task{Kind: "fail"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dropped == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestChannel_DropsUnregisteredKind(t *testing.T) {
	var mu sync.Mutex
	var dropErr error

	q := queue.NewChannel(
		queue.WithWorkers(1),
		queue.WithDropHandler(func(t queue.Task, err error) {
			mu.Lock()
			dropErr = err
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Close()

	require.NoError(t, q.Submit(ctx, queue.Task{Kind: "unknown"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dropErr != nil
	}, time.Second, time.Millisecond)
}
