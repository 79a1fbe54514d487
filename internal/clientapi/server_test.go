package clientapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServerServesHealthCheck(t *testing.T) {
	srv, err := New("127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.Serve()
	}()
	defer srv.Stop()

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	var resp *healthpb.HealthCheckResponse
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
