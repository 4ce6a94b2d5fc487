package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Reports whether testcontainers can reach a container engine. Provider
// detection panics on some hosts without one.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func TestProbeContainer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping integration test: testcontainers provider not available")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nginx:alpine",
			ExposedPorts: []string{"80/tcp"},
			WaitingFor:   wait.ForHTTP("/").WithPort("80/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping integration test: cannot start container: %v", err)
	}
	t.Cleanup(func() { ctr.Terminate(context.Background()) })

	endpoint, err := ctr.PortEndpoint(ctx, "80/tcp", "http")
	if err != nil {
		t.Fatal(err)
	}

	if err := Probe(ctx, endpoint+"/", 10*time.Second); err != nil {
		t.Errorf("Probe(/) error = %v, want nil", err)
	}
	if err := Probe(ctx, endpoint+"/health", 10*time.Second); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("Probe(/health) error = %v, want ErrUnhealthy", err)
	}

	cfg := Config{Interval: 50 * time.Millisecond, Timeout: 5 * time.Second, Retries: 1}
	m, err := NewMonitor(cfg, HTTPChecker(endpoint+"/"))
	if err != nil {
		t.Fatal(err)
	}
	if got := m.probe(ctx); got != Healthy {
		t.Errorf("state = %s, want %s", got, Healthy)
	}
}
