package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/factureprojet1/facture1.ma/internal/obs"
)

// HealthServer publishes readiness through grpc.health.v1.Health, under both
// the empty service name and the panel's own.
type HealthServer struct {
	*health.Server

	readiness readinessChecker
	interval  time.Duration
	log       logrus.FieldLogger
}

// NewHealthServer starts out NOT_SERVING until the first probe succeeds.
func NewHealthServer(r readinessChecker, interval time.Duration, log logrus.FieldLogger) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = obs.Logger()
	}
	s := &HealthServer{
		Server:    health.NewServer(),
		readiness: r,
		interval:  interval,
		log:       log,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.Server)
}

// Probe runs one readiness check and publishes the result.
func (s *HealthServer) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.log.WithError(err).Warn("readiness probe failed")
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes on every tick until ctx ends, then marks the service as
// shutting down.
func (s *HealthServer) Run(ctx context.Context) error {
	s.Probe(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
}
