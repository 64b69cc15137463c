package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rflow/transport"
	"github.com/drblury/rflow/transport/transporttest"
)

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	tr, err := Open(Options{File: path, PollInterval: 5 * time.Millisecond}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestOptionDefaults(t *testing.T) {
	assert.Equal(t, Options{
		File:         DefaultFile,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		Lease:        DefaultLease,
	}, Options{}.normalized())

	custom := Options{File: "q.db", PollInterval: time.Second, MaxAttempts: 7, Lease: time.Minute}
	assert.Equal(t, custom, custom.normalized())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.True(t, caps.LoadBalancing)
	assert.False(t, caps.Broadcast)
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestPublishBeforeSubscribeKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	pub := openQueue(t, path)
	sub := openQueue(t, path)

	for i := 0; i < 5; i++ {
		msg := message.NewMessage(fmt.Sprint("m", i), []byte(fmt.Sprint(i)))
		msg.Metadata.Set("n", fmt.Sprint(i))
		require.NoError(t, pub.Publish("rflow-abc", msg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "rflow-abc")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		select {
		case msg := <-ch:
			assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
			assert.Equal(t, fmt.Sprint(i), msg.Metadata.Get("n"))
			msg.Ack()
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	require.Eventually(t, func() bool {
		n, err := pub.Pending("rflow-abc")
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumersSplitTheQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	pub := openQueue(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		sub := openQueue(t, path)
		ch, err := sub.Subscribe(ctx, "rflow-rr")
		require.NoError(t, err)
		go func() {
			for msg := range ch {
				mu.Lock()
				seen[string(msg.Payload)]++
				mu.Unlock()
				msg.Ack()
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, pub.Publish("rflow-rr", message.NewMessage(fmt.Sprint(i), []byte(fmt.Sprint(i)))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for payload, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered more than once", payload)
	}
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Open(Options{File: path, PollInterval: 5 * time.Millisecond, MaxAttempts: 2}, nil)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Publish("rflow-nack", message.NewMessage("x", []byte("x"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "rflow-nack")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			msg.Nack()
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d missing", i)
		}
	}

	require.Eventually(t, func() bool {
		n, err := tr.DeadLetters("rflow-nack")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	pending, err := tr.Pending("rflow-nack")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestClosedQueueRejectsWork(t *testing.T) {
	tr, err := Open(Options{File: filepath.Join(t.TempDir(), "queue.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish("t", message.NewMessage("1", nil)), ErrClosed)
	_, err = tr.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBuildBySide(t *testing.T) {
	cfg := &transporttest.Config{SQLiteFile: filepath.Join(t.TempDir(), "queue.db")}

	out, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, out.Publisher)
	assert.Nil(t, out.Subscriber)
	require.NoError(t, out.Close())

	in, err := Build(context.Background(), transport.Endpoint{Side: transport.SideInput}, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, in.Subscriber)
	assert.Nil(t, in.Publisher)
	require.NoError(t, in.Close())
}

func TestCancelledSubscriptionReturnsItsLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q := openQueue(t, path)
	require.NoError(t, q.Publish("rflow-lease", message.NewMessage("a", []byte("a"))))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := q.Subscribe(ctx, "rflow-lease")
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	for range ch {
	}

	other := openQueue(t, path)
	ch, err = other.Subscribe(context.Background(), "rflow-lease")
	require.NoError(t, err)
	select {
	case msg := <-ch:
		assert.Equal(t, "a", string(msg.Payload))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("released message was not handed out again")
	}
}
