package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/serialsync/internal/auth"
	"github.com/danmuck/serialsync/internal/link"
)

const Version = "0.1.0"

// Controller is the part of *link.Link the HTTP surface drives.
type Controller interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect() error
	Status() link.Status
	SendShort(ctx context.Context, data []byte) error
	SendChunked(ctx context.Context, data []byte, opts link.SendOptions) (link.TransferReport, error)
	SendFilePath(ctx context.Context, path string, opts link.FileOptions) (link.TransferReport, error)
	PendingRequests() []*link.IncomingFile
	PendingRequest(sid uint8) (*link.IncomingFile, bool)
}

var _ Controller = (*link.Link)(nil)

type Server struct {
	Name    string
	Addr    string
	Started time.Time

	ctrl      Controller
	hub       *Hub
	router    *gin.Engine
	listPorts func() ([]link.PortInfo, error)
	validator auth.Validator
}

func New(name, addr string, corsOrigins []string, ctrl Controller, hub *Hub) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observabilityMiddleware(name)...)
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if hub == nil {
		hub = NewHub(0, false)
	}
	s := &Server{
		Name:      name,
		Addr:      addr,
		Started:   time.Now(),
		ctrl:      ctrl,
		hub:       hub,
		router:    r,
		listPorts: link.ListPorts,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// SetValidator guards /api routes. A nil validator leaves them open.
func (s *Server) SetValidator(v auth.Validator) {
	s.validator = v
}

// SetPortLister replaces the serial port enumerator behind GET /api/ports.
func (s *Server) SetPortLister(fn func() ([]link.PortInfo, error)) {
	if fn != nil {
		s.listPorts = fn
	}
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.Name,
			"version": Version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		st := s.ctrl.Status()
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"connected": st.Connected,
			"uptime":    time.Since(s.Started).String(),
			"service":   s.Name,
			"version":   Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", s.requireToken)
	api.GET("/status", s.handleStatus)
	api.GET("/ports", s.handlePorts)
	api.POST("/connect", s.handleConnect)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/send", s.handleSend)
	api.POST("/send-large", s.handleSendLarge)
	api.POST("/send-file", s.handleSendFile)
	api.GET("/events", s.handleEvents)
	api.GET("/requests", s.handleRequests)
	api.POST("/requests/:sid/accept", s.handleAccept)
	api.POST("/requests/:sid/reject", s.handleReject)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("service", s.Name).Str("addr", s.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("service", s.Name).Msg("http server stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
