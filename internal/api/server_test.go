package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/models"
)

type adminStub struct {
	lastCheck *structpb.Struct
}

func (a *adminStub) CheckErrorPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a.lastCheck = req
	return structpb.NewStruct(map[string]any{"cycle_id": "c-1"})
}

func (a *adminStub) SystemHealth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"status": "healthy"})
}

func (a *adminStub) Frequencies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"patterns": []any{}})
}

func (a *adminStub) ReloadPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"patterns": 2})
}

func startBufconnServer(t *testing.T, svc AdminServer) (*Server, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, svc)
	go func() { _ = srv.Start() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, conn
}

func TestAdminServiceOverGRPC(t *testing.T) {
	stub := &adminStub{}
	_, conn := startBufconnServer(t, stub)
	client := NewAdminClient(conn)
	ctx := context.Background()

	req, _ := structpb.NewStruct(map[string]any{"send_alerts": true})
	out, err := client.CheckErrorPatterns(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "c-1", out.GetFields()["cycle_id"].GetStringValue())
	require.NotNil(t, stub.lastCheck)
	assert.True(t, stub.lastCheck.GetFields()["send_alerts"].GetBoolValue())

	health, err := client.SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.GetFields()["status"].GetStringValue())

	reload, err := client.ReloadPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), reload.GetFields()["patterns"].GetNumberValue())

	_, err = client.Frequencies(ctx)
	require.NoError(t, err)
}

func TestHealthMirrorsVerdict(t *testing.T) {
	srv, conn := startBufconnServer(t, &adminStub{})
	health := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: AdminServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	srv.SetHealth(models.HealthUnhealthy)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	srv.SetHealth(models.HealthDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}

func TestWatchHealthStopsOnCancel(t *testing.T) {
	srv, _ := startBufconnServer(t, &adminStub{})
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		srv.WatchHealth(ctx, 10*time.Millisecond, func(context.Context) models.HealthSnapshot {
			calls <- struct{}{}
			return models.HealthSnapshot{Status: models.HealthHealthy}
		})
		close(done)
	}()

	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchHealth did not return")
	}
}
