package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
)

// OperatorHandler serves /metrics, /status and /healthz.
func OperatorHandler(coord *coordinator.Coordinator, g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(coord.Status())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// HTTPServer is the operator endpoint.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	log      *slog.Logger
}

// NewHTTPServer binds address for h.
func NewHTTPServer(address string, h http.Handler, logger *slog.Logger) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		srv:      &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		listener: lis,
		log:      logger,
	}, nil
}

// Addr returns the bound address.
func (h *HTTPServer) Addr() net.Addr { return h.listener.Addr() }

// Serve blocks until Shutdown.
func (h *HTTPServer) Serve() error {
	h.log.Info("operator HTTP listening", "addr", h.listener.Addr().String())
	if err := h.srv.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server within ctx.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
