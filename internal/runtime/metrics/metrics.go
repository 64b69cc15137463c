// Package metrics holds the prometheus collectors of one worker and serves
// them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	wmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/transport"
)

// Namespace prefixes every metric name.
const Namespace = "rflow"

// Collectors records component activity for one worker.
type Collectors struct {
	registry *prometheus.Registry
	builder  wmetrics.PrometheusMetricsBuilder

	messages *prometheus.CounterVec
	process  *prometheus.HistogramVec
	sent     *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also exposes Go runtime
// and process metrics.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		builder:  wmetrics.NewPrometheusMetricsBuilder(reg, Namespace, "transport"),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "component",
			Name:      "messages_total",
			Help:      "Messages processed per component input port and outcome.",
		}, []string{"component", "port", "outcome"}),
		process: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "component",
			Name:      "process_seconds",
			Help:      "Time spent in component process handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"component"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "port",
			Name:      "messages_sent_total",
			Help:      "Messages sent per component output port.",
		}, []string{"component", "port"}),
	}
	reg.MustRegister(
		c.messages,
		c.process,
		c.sent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying prometheus registry.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// ObserveProcess records one dispatch.
func (c *Collectors) ObserveProcess(component, port, outcome string, elapsed time.Duration) {
	c.messages.WithLabelValues(component, port, outcome).Inc()
	c.process.WithLabelValues(component).Observe(elapsed.Seconds())
}

// ObserveSent records one message leaving an output port.
func (c *Collectors) ObserveSent(component, port string) {
	c.sent.WithLabelValues(component, port).Inc()
}

// DecorateTransport wraps a transport's publisher and subscriber with
// watermill's prometheus decorators.
func (c *Collectors) DecorateTransport(tr transport.Transport) (transport.Transport, error) {
	if tr.Publisher != nil {
		pub, err := c.builder.DecoratePublisher(tr.Publisher)
		if err != nil {
			return tr, fmt.Errorf("decorate publisher: %w", err)
		}
		tr.Publisher = pub
	}
	if tr.Subscriber != nil {
		sub, err := c.builder.DecorateSubscriber(tr.Subscriber)
		if err != nil {
			return tr, fmt.Errorf("decorate subscriber: %w", err)
		}
		tr.Subscriber = sub
	}
	return tr, nil
}

// Handler serves the collected metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collectors) Serve(ctx context.Context, addr string, logger loggingpkg.ServiceLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("Serving metrics", loggingpkg.LogFields{"address": ln.Addr().String()})
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Address returns the listen address for a worker: the base port plus the
// worker's ordinal.
func Address(basePort, ordinal int) string {
	return fmt.Sprintf(":%d", basePort+ordinal)
}
