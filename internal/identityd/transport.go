package identityd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"clinikey.org/internal/obs"
	"clinikey.org/internal/remote"
)

const serviceName = "clinikey-identityd"

// NewGRPCServer registers the identity and health services behind the
// observe, rate limit and authenticate interceptors.
func NewGRPCServer(srv *Server, limiter *PeerLimiter, m *obs.Metrics, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	interceptors := []grpc.UnaryServerInterceptor{Observe(m)}
	if limiter != nil {
		interceptors = append(interceptors, limiter.Interceptor())
	}
	interceptors = append(interceptors, Authenticate(srv.Issuer()))
	opts = append(opts, grpc.ChainUnaryInterceptor(interceptors...))

	gs := grpc.NewServer(opts...)
	remote.RegisterServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(remote.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe func(ctx context.Context) error

// OpsHandler serves /healthz, /readyz and /metrics.
func OpsHandler(ready ReadyProbe, g prometheus.Gatherer, version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": serviceName,
			"version": version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "not_ready",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})
	mux.Handle("GET /metrics", obs.Handler(g))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
