package services

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/models"
)

type engineStub struct {
	sendAlerts, executeFixes bool
	reloadErr                error
	checks                   int
}

func (e *engineStub) CheckErrorPatterns(ctx context.Context, sendAlerts, executeFixes bool) models.CheckReport {
	e.checks++
	e.sendAlerts, e.executeFixes = sendAlerts, executeFixes
	return models.CheckReport{CycleID: "cycle-1", ErrorsScanned: 4, PatternsMatched: 1}
}

func (e *engineStub) SystemHealth(ctx context.Context) models.HealthSnapshot {
	return models.HealthSnapshot{
		Status:     models.HealthDegraded,
		Components: []models.ComponentHealth{{Name: "cache", Status: models.HealthUnhealthy}},
	}
}

func (e *engineStub) Frequencies(ctx context.Context) []models.FrequencySnapshot {
	return []models.FrequencySnapshot{{PatternID: 1, PatternName: "cache-down", Occurrences: 2, Threshold: 3}}
}

func (e *engineStub) ReloadPatterns(ctx context.Context) (int, error) {
	return 5, e.reloadErr
}

func (e *engineStub) Defaults() (bool, bool) { return true, true }

func TestCheckErrorPatternsUsesDefaults(t *testing.T) {
	stub := &engineStub{}
	service := NewAdminService(nil, stub)

	out, err := service.CheckErrorPatterns(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stub.sendAlerts || !stub.executeFixes {
		t.Fatalf("expected configured defaults, got send=%v exec=%v", stub.sendAlerts, stub.executeFixes)
	}
	if got := out.GetFields()["cycle_id"].GetStringValue(); got != "cycle-1" {
		t.Fatalf("unexpected cycle id: %q", got)
	}
	if got := out.GetFields()["errors_scanned"].GetNumberValue(); got != 4 {
		t.Fatalf("unexpected errors_scanned: %v", got)
	}
}

func TestCheckErrorPatternsOverrides(t *testing.T) {
	stub := &engineStub{}
	service := NewAdminService(nil, stub)

	req, _ := structpb.NewStruct(map[string]any{"execute_fixes": false})
	if _, err := service.CheckErrorPatterns(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stub.sendAlerts || stub.executeFixes {
		t.Fatalf("expected execute_fixes override, got send=%v exec=%v", stub.sendAlerts, stub.executeFixes)
	}
}

func TestCheckErrorPatternsInvalidFlag(t *testing.T) {
	stub := &engineStub{}
	service := NewAdminService(nil, stub)

	req, _ := structpb.NewStruct(map[string]any{"send_alerts": "yes"})
	_, err := service.CheckErrorPatterns(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if stub.checks != 0 {
		t.Fatalf("cycle should not run on invalid input")
	}
}

func TestAdminServiceWithoutEngine(t *testing.T) {
	service := NewAdminService(nil, nil)
	_, err := service.SystemHealth(context.Background(), nil)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestSystemHealthAndFrequencies(t *testing.T) {
	service := NewAdminService(nil, &engineStub{})

	health, err := service.SystemHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := health.GetFields()["status"].GetStringValue(); got != "degraded" {
		t.Fatalf("unexpected status: %q", got)
	}

	freqs, err := service.Frequencies(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := freqs.GetFields()["patterns"].GetListValue().GetValues()
	if len(list) != 1 {
		t.Fatalf("expected one pattern, got %d", len(list))
	}
}

func TestReloadPatterns(t *testing.T) {
	stub := &engineStub{}
	service := NewAdminService(nil, stub)

	out, err := service.ReloadPatterns(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.GetFields()["patterns"].GetNumberValue(); got != 5 {
		t.Fatalf("unexpected pattern count: %v", got)
	}

	stub.reloadErr = errors.New("db down")
	_, err = service.ReloadPatterns(context.Background(), nil)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
