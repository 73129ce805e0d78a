package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer_Start(t *testing.T) {
	tests := []struct {
		name           string
		setupMetrics   func(registry *prometheus.Registry)
		validateServer func(*testing.T, string)
	}{
		{
			name: "server starts and serves metrics successfully",
			setupMetrics: func(registry *prometheus.Registry) {
				r := NewMetricsRecorder(registry)
				r.ConnectAttempt(42)
			},
			validateServer: func(t *testing.T, addr string) {
				resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
				require.NoError(t, err)
				defer resp.Body.Close()

				assert.Equal(t, http.StatusOK, resp.StatusCode)

				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Contains(t, string(body), `botstream_ws_connect_attempts_total{bot="42"} 1`)

				resp, err = http.Get(fmt.Sprintf("http://%s/health", addr))
				require.NoError(t, err)
				defer resp.Body.Close()

				assert.Equal(t, http.StatusOK, resp.StatusCode)
			},
		},
		{
			name:         "server handles concurrent requests",
			setupMetrics: func(registry *prometheus.Registry) {},
			validateServer: func(t *testing.T, addr string) {
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
						if !assert.NoError(t, err) {
							return
						}
						defer resp.Body.Close()
						assert.Equal(t, http.StatusOK, resp.StatusCode)
					}()
				}
				wg.Wait()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			tt.setupMetrics(registry)

			// Create a TCP listener first to get an available port
			listener, err := net.Listen("tcp", "localhost:0")
			require.NoError(t, err)
			addr := listener.Addr().String()
			listener.Close()

			server := NewMetricsServer(addr, registry)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(ctx)
			}()

			err = waitForServer(addr, 2*time.Second)
			require.NoError(t, err, "Server failed to start")

			tt.validateServer(t, addr)

			// Test graceful shutdown
			cancel()

			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Server didn't shut down within timeout")
			}
			<-server.Done()

			_, err = http.Get(fmt.Sprintf("http://%s/metrics", addr))
			assert.Error(t, err, "Server should be stopped")
		})
	}
}

// waitForServer attempts to connect to the server until it's ready or times out
func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			resp.Body.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("server failed to start within %v", timeout)
}
