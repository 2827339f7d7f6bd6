package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/heartlink/pkg/bus"
	"github.com/example/heartlink/pkg/events"
	"github.com/example/heartlink/pkg/otelhelper"
)

// delivery carries one payload plus the topic it arrived on, so the SSE
// writer can name the event stream-side.
type delivery struct {
	topic string
	data  []byte
}

const keepAliveInterval = 25 * time.Second

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("realtime-service")
	connections, _ := meter.Int64UpDownCounter("realtime_connections",
		metric.WithDescription("Open SSE connections"))
	delivered, _ := meter.Int64Counter("realtime_events_delivered_total",
		metric.WithDescription("Events that passed the viewer's filter and were written"))
	filtered, _ := meter.Int64Counter("realtime_events_filtered_total",
		metric.WithDescription("Events suppressed by the viewer's filter"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "realtime-service")
	natsPass := envOrDefault("NATS_PASS", "realtime-service-secret")
	jwtSecret := []byte(envOrDefault("JWT_SECRET", "dev-secret"))
	port := envOrDefault("PORT", "8085")

	slog.Info("Starting Realtime Service")

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("realtime-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	evbus := bus.NewNATS(nc)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := authenticate(r, jwtSecret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		topics := strings.Split(r.URL.Query().Get("topics"), ",")
		type topicSub struct {
			sub    *bus.Subscription
			filter events.Filter
		}
		var subs []topicSub
		for _, topic := range topics {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			filter, ok := events.FilterFor(topic)
			if !ok {
				http.Error(w, fmt.Sprintf("unknown topic %q", topic), http.StatusBadRequest)
				return
			}
			sub, err := evbus.Subscribe(topic)
			if err != nil {
				http.Error(w, "subscribe failed", http.StatusInternalServerError)
				return
			}
			defer sub.Unsubscribe()
			subs = append(subs, topicSub{sub: sub, filter: filter})
		}
		if len(subs) == 0 {
			http.Error(w, "topics required", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		connections.Add(ctx, 1)
		defer connections.Add(context.Background(), -1)
		slog.InfoContext(ctx, "SSE connection opened", "user", user.ID, "topics", topics)

		// One forwarder per subscription keeps per-topic order; the merged
		// channel is what the writer drains.
		merged := make(chan delivery, 16)
		for _, ts := range subs {
			go func(ts topicSub) {
				for {
					select {
					case <-ctx.Done():
						return
					case data, ok := <-ts.sub.Messages():
						if !ok {
							return
						}
						select {
						case merged <- delivery{topic: ts.sub.Topic(), data: data}:
						case <-ctx.Done():
							return
						}
					}
				}
			}(ts)
		}

		filterOf := make(map[string]events.Filter, len(subs))
		for _, ts := range subs {
			filterOf[ts.sub.Topic()] = ts.filter
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.InfoContext(context.Background(), "SSE connection closed", "user", user.ID)
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case d := <-merged:
				out, pass := filterOf[d.topic](d.data, user.ID)
				if !pass {
					filtered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", d.topic)))
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", d.topic, out); err != nil {
					return
				}
				flusher.Flush()
				delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", d.topic)))
			}
		}
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		slog.Info("Realtime service ready", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down realtime service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	evbus.Close()
}
