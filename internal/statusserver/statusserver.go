// Package statusserver provides the daemon's optional HTTP surface: a
// liveness check and a Prometheus scrape endpoint, gated by config the same
// way the teacher's own HTTP server was gated by HTTPConfig.Enabled. Unlike
// the teacher's dashboard/topology/file-transfer server, this system has no
// remote-management surface to expose, so the server is reduced to the two
// ambient endpoints every deployment actually needs.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safewoo/vlessproxy/internal/logging"
	"github.com/safewoo/vlessproxy/internal/socks5"
)

// Server exposes /healthz and /metrics over plain HTTP.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a status server bound to address, reporting on socksSrv.
func New(address string, socksSrv *socks5.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(socksSrv))
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:    address,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving in the background. It returns once the listener is
// bound, surfacing any bind error synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", logging.KeyError, err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status      string `json:"status"`
	Running     bool   `json:"running"`
	Connections int64  `json:"connections"`
}

func healthzHandler(socksSrv *socks5.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if socksSrv != nil {
			resp.Running = socksSrv.IsRunning()
			resp.Connections = socksSrv.ConnectionCount()
		}
		if !resp.Running {
			resp.Status = "stopped"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
