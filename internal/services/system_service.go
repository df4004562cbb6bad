package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/repositories"
)

// BuildInfo is the release metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport is the readiness report served by /readyz.
type SystemHealthReport = domain.SystemHealthReport

// SystemService reports process and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// CacheTTL reuses a collected report for this long. Zero collects on every call.
	CacheTTL time.Duration
}

type systemService struct {
	repo     repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	cacheTTL time.Duration

	mu         sync.Mutex
	last       SystemHealthReport
	lastAt     time.Time
	haveReport bool
}

// NewSystemService wires the readiness report to its dependency checks.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		repo:     deps.HealthRepository,
		now:      func() time.Time { return clock().UTC() },
		build:    deps.Build,
		cacheTTL: deps.CacheTTL,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	now := s.now()
	report, err := s.collect(ctx, now)
	if err != nil {
		return SystemHealthReport{}, err
	}
	return s.stamp(report, now), nil
}

// collect serialises collections, so concurrent readiness checks inside the TTL share one report.
func (s *systemService) collect(ctx context.Context, now time.Time) (SystemHealthReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveReport && s.cacheTTL > 0 && now.Sub(s.lastAt) < s.cacheTTL {
		return s.last, nil
	}
	report, err := s.repo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	s.last, s.lastAt, s.haveReport = report, now, true
	return report, nil
}

// stamp fills build metadata and derives the status when the repository left it blank.
func (s *systemService) stamp(report SystemHealthReport, now time.Time) SystemHealthReport {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
