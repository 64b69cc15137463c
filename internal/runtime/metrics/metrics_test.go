package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rflow/transport"
)

// counterValue finds one sample of a gathered counter family.
func counterValue(t *testing.T, c *Collectors, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestObserveProcessAndSent(t *testing.T) {
	c := New()
	c.ObserveProcess("filter", "in", "ok", 2*time.Millisecond)
	c.ObserveProcess("filter", "in", "ok", time.Millisecond)
	c.ObserveProcess("filter", "in", "error", time.Millisecond)
	c.ObserveSent("filter", "accepted")

	assert.Equal(t, 2.0, counterValue(t, c, "rflow_component_messages_total", map[string]string{"component": "filter", "port": "in", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, c, "rflow_component_messages_total", map[string]string{"component": "filter", "port": "in", "outcome": "error"}))
	assert.Equal(t, 1.0, counterValue(t, c, "rflow_port_messages_sent_total", map[string]string{"component": "filter", "port": "accepted"}))
	assert.Equal(t, 3.0, counterValue(t, c, "rflow_component_process_seconds", map[string]string{"component": "filter"}))
}

func TestHandlerExposesMetricNames(t *testing.T) {
	c := New()
	c.ObserveProcess("gen", "in", "ok", time.Millisecond)
	c.ObserveSent("gen", "out")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "rflow_component_messages_total")
	assert.Contains(t, body, "rflow_component_process_seconds")
	assert.Contains(t, body, "rflow_port_messages_sent_total")
}

func TestDecorateTransport(t *testing.T) {
	c := New()
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer ch.Close()

	tr, err := c.DecorateTransport(transport.Transport{Publisher: ch, Subscriber: ch})
	require.NoError(t, err)
	assert.NotSame(t, ch, tr.Publisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "topic")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("topic", message.NewMessage("1", []byte("x"))))

	select {
	case m := <-msgs:
		assert.Equal(t, "x", string(m.Payload))
		m.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	c := New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, addr, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "go_goroutines")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, ":9092", Address(9090, 2))
}
