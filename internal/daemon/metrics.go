package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/metrics"
)

// MetricsServer serves /metrics and /healthz. A nil *MetricsServer is
// disabled and its methods are no-ops.
type MetricsServer struct {
	srv    *http.Server
	addr   net.Addr
	logger *zap.Logger
}

// NewMetricsServer returns nil when addr is empty.
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	if addr == "" {
		return nil
	}
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           metrics.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener and serves in the background.
func (m *MetricsServer) Start() error {
	if m == nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return err
	}
	m.addr = ln.Addr()
	m.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (m *MetricsServer) Addr() net.Addr {
	if m == nil {
		return nil
	}
	return m.addr
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) {
	if m == nil {
		return
	}
	_ = m.srv.Shutdown(ctx)
}
