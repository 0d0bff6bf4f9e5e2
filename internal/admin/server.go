package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Server is the admin HTTP endpoint exposing health, stats, metrics and
// client disconnection
type Server struct {
	router  *gin.Engine
	srv     *http.Server
	mgr     *netlink.Manager
	broker  *ipc.Broker
	logger  *logger.Logger
	started time.Time
}

// StatsResponse is the body of GET /stats
type StatsResponse struct {
	Uptime  string           `json:"uptime"`
	Netlink netlink.Stats    `json:"netlink"`
	Broker  *ipc.BrokerStats `json:"broker,omitempty"`
}

// New builds the admin server. broker may be nil when no socket is served.
func New(addr string, mgr *netlink.Manager, broker *ipc.Broker, gatherer prometheus.Gatherer, log *logger.Logger) (*Server, error) {
	if mgr == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection manager cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:  router,
		mgr:     mgr,
		broker:  broker,
		logger:  log.With("component", "admin"),
		started: time.Now(),
	}

	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.health)
	router.GET("/stats", s.stats)
	router.DELETE("/conns/:handle", s.disconnect)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler serving the admin routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
// The returned channel receives the serve error, if any.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on admin address", err)
	}

	s.logger.Info("Admin server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to shut down admin server", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	st := s.mgr.Stats()
	if st.Closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": types.StatusStopped})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       types.StatusRunning,
		"active_conns": st.ActiveConns,
		"capacity":     st.Capacity,
	})
}

func (s *Server) stats(c *gin.Context) {
	resp := StatsResponse{
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Netlink: s.mgr.Stats(),
	}
	if s.broker != nil {
		bs := s.broker.Stats()
		resp.Broker = &bs
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) disconnect(c *gin.Context) {
	if s.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no socket is served"})
		return
	}
	h, err := netlink.ParseHandle(c.Param("handle"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.broker.Disconnect(h); err != nil {
		status := http.StatusInternalServerError
		switch types.GetErrorCode(err) {
		case types.ErrCodeNotFound:
			status = http.StatusNotFound
		case types.ErrCodeUnavailable:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// requestLogger logs every admin request at debug level
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}
