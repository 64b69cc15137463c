package connection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
)

func sameShardResolution(t *testing.T) Resolution {
	t.Helper()
	g := twoShardGraph(graph.KindProcess, 1, graph.KindProcess, 1, nil, "")
	g.Components[1].Shard = "producers"
	res, err := resolveOne(t, g, testConfig())
	require.NoError(t, err)
	return res
}

func TestLiveDeliversThroughTheLoopInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	lp := loop.New(loggingpkg.NewNopServiceLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- lp.Run(ctx) }()

	live := NewLive(sameShardResolution(t), LiveOptions{Scope: "worker-1", Loop: lp})

	got := make(chan string, 10)
	require.NoError(t, live.ConnectInput(ctx, func(m *message.Message) {
		got <- string(m.Payload) + "|" + m.Metadata.Get(MetadataType)
	}))
	require.NoError(t, live.ConnectOutput(ctx))
	require.NoError(t, live.ConnectOutput(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, live.Send([]byte(fmt.Sprintf("m%d", i)), "Some::Type"))
	}

	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			assert.Equal(t, fmt.Sprintf("m%d|Some::Type", i), v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	require.NoError(t, live.Close())
	assert.ErrorIs(t, live.Send([]byte("late"), "x"), ErrClosed)
	assert.ErrorIs(t, live.ConnectOutput(ctx), ErrClosed)

	lp.Stop()
	require.NoError(t, <-runDone)
}

func TestLiveSendBeforeConnect(t *testing.T) {
	live := NewLive(sameShardResolution(t), LiveOptions{Scope: "w"})
	assert.ErrorIs(t, live.Send([]byte("x"), "t"), ErrNotConnected)
	require.NoError(t, live.Close())
}

func TestLiveSendRespectsTransportSizeCap(t *testing.T) {
	res := sameShardResolution(t)
	res.Capabilities.MaxMessageSize = 4
	live := NewLive(res, LiveOptions{Scope: "w"})
	t.Cleanup(func() { _ = live.Close() })
	require.NoError(t, live.ConnectOutput(context.Background()))

	err := live.Send([]byte("fiver"), "t")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorContains(t, err, "5 bytes")
}

func TestRelayForwardsManyToMany(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir, err := os.MkdirTemp("", "rfr")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	opts := map[string]string{
		OptionOutputAddress: "ipc://" + filepath.Join(dir, "b.in"),
		OptionInputAddress:  "ipc://" + filepath.Join(dir, "b.out"),
	}
	res, err := resolveOne(t, twoShardGraph(graph.KindProcess, 2, graph.KindProcess, 2, opts, ""), testConfig())
	require.NoError(t, err)
	require.NotNil(t, res.Broker)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	relayDone := make(chan error, 1)
	go func() { relayDone <- RunRelay(ctx, res, RelayOptions{Ready: ready}) }()

	select {
	case <-ready:
	case err := <-relayDone:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never became ready")
	}

	var (
		mu       sync.Mutex
		received []string
		relays   = map[string]int{}
	)
	var consumers []*Live
	for i := 0; i < 2; i++ {
		c := NewLive(res, LiveOptions{Scope: fmt.Sprintf("consumer-%d", i)})
		require.NoError(t, c.ConnectInput(ctx, func(m *message.Message) {
			mu.Lock()
			received = append(received, string(m.Payload))
			relays[m.Metadata.Get(MetadataRelay)]++
			mu.Unlock()
		}))
		consumers = append(consumers, c)
	}

	var want []string
	var producers []*Live
	for p := 0; p < 2; p++ {
		prod := NewLive(res, LiveOptions{Scope: fmt.Sprintf("producer-%d", p)})
		require.NoError(t, prod.ConnectOutput(ctx))
		producers = append(producers, prod)
		for i := 0; i < 10; i++ {
			payload := fmt.Sprintf("p%d-%02d", p, i)
			want = append(want, payload)
			require.NoError(t, prod.Send([]byte(payload), "t"))
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(want)
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	got := append([]string(nil), received...)
	mu.Unlock()
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)
	assert.Equal(t, map[string]int{res.ID: len(want)}, relays)

	for _, p := range producers {
		require.NoError(t, p.Close())
	}
	for _, c := range consumers {
		require.NoError(t, c.Close())
	}
	cancel()
	require.NoError(t, <-relayDone)
}

func TestRelayRequiresBroker(t *testing.T) {
	err := RunRelay(context.Background(), sameShardResolution(t), RelayOptions{})
	assert.ErrorContains(t, err, "has no broker")
}
