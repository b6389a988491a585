// Package health reports whether the service can take traffic, over both
// the standard gRPC health protocol and a small HTTP endpoint.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name for the pet API.
const ServiceName = "iri.pet"

const probeTimeout = 2 * time.Second

var errShuttingDown = errors.New("shutting down")

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes the database and mirrors the result into a gRPC health
// server.
type Checker struct {
	db           Pinger
	server       *grpchealth.Server
	shuttingDown atomic.Bool
}

// NewChecker returns a Checker. Status starts as NOT_SERVING until the
// first probe.
func NewChecker(db Pinger) *Checker {
	c := &Checker{db: db, server: grpchealth.NewServer()}
	c.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Register adds the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Check pings the database once and updates the gRPC status.
func (c *Checker) Check(ctx context.Context) error {
	if c.shuttingDown.Load() {
		return errShuttingDown
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		c.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	c.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Start probes immediately and then every interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	if err := c.Check(ctx); err != nil {
		slog.Warn("Initial health probe failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Check(ctx); err != nil {
					slog.Warn("Health probe failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown reports NOT_SERVING from now on.
func (c *Checker) Shutdown() {
	c.shuttingDown.Store(true)
	c.server.Shutdown()
}

func (c *Checker) set(status healthpb.HealthCheckResponse_ServingStatus) {
	if c.shuttingDown.Load() {
		return
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}

// RegisterRoutes mounts GET /api/health.
func (c *Checker) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", c.ServeHTTP)
}

// ServeHTTP answers 200 {"status":"ok"} when the database responds and 503
// otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := c.Check(r.Context()); err != nil {
		slog.Warn("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
