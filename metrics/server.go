package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartServer serves the registry under /metrics on addr (host:port).
// It returns the bound address, which differs from addr when port 0 was
// used, and a shutdown function.
func StartServer(addr string, registry *prometheus.Registry) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	go func() {
		_ = srv.Serve(ln)
	}()

	stop := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}

	return ln.Addr().String(), stop, nil
}
