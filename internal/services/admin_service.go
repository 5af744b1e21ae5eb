package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/api"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// Engine is the subset of the engine the admin service drives.
type Engine interface {
	CheckErrorPatterns(ctx context.Context, sendAlerts, executeFixes bool) models.CheckReport
	SystemHealth(ctx context.Context) models.HealthSnapshot
	Frequencies(ctx context.Context) []models.FrequencySnapshot
	ReloadPatterns(ctx context.Context) (int, error)
	Defaults() (sendAlerts, executeFixes bool)
}

// AdminService implements the gRPC HealAdmin service.
type AdminService struct {
	logger    *slog.Logger
	engine    Engine
	latencies *utils.LatencyTracker
}

var _ api.AdminServer = (*AdminService)(nil)

// NewAdminService constructs the admin service facade.
func NewAdminService(logger *slog.Logger, engine Engine) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		logger:    logger,
		engine:    engine,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// CheckErrorPatterns runs one check cycle. send_alerts and execute_fixes default to the configured values.
func (s *AdminService) CheckErrorPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	opts, err := api.FromProtoCheckRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sendAlerts, executeFixes := opts.Resolve(s.engine.Defaults())

	start := time.Now()
	report := s.engine.CheckErrorPatterns(ctx, sendAlerts, executeFixes)
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("on-demand check latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	out, err := api.ToProtoCheckReport(report)
	if err != nil {
		s.logger.Error("encode check report failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode report")
	}
	return out, nil
}

// SystemHealth returns a fresh health snapshot.
func (s *AdminService) SystemHealth(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	out, err := api.ToProtoHealthSnapshot(s.engine.SystemHealth(ctx))
	if err != nil {
		s.logger.Error("encode health snapshot failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode health")
	}
	return out, nil
}

// Frequencies returns the per-pattern frequency view.
func (s *AdminService) Frequencies(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	out, err := api.ToProtoFrequencies(s.engine.Frequencies(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode frequencies")
	}
	return out, nil
}

// ReloadPatterns forces the registry to reload from its store.
func (s *AdminService) ReloadPatterns(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	n, err := s.engine.ReloadPatterns(ctx)
	if err != nil {
		s.logger.Warn("pattern reload failed", slog.Any("error", err))
		return nil, status.Error(codes.Unavailable, "pattern store unavailable")
	}
	return structpb.NewStruct(map[string]any{"patterns": n})
}

// LatencyP95 returns the p95 latency of on-demand check cycles.
func (s *AdminService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
