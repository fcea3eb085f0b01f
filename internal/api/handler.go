// Package api exposes the signal core over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/eligibility"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/portfolio"
	"signal-core/internal/signals"
	"signal-core/internal/trade"
	"signal-core/internal/window"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

// Server wires HTTP endpoints around the core services.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Signals   *signals.Service
	Filter    *eligibility.Filter
	Windows   *window.Manager
	Sweeper   *window.Sweeper
	Portfolio *portfolio.Service
	Trades    *trade.Orchestrator
	Gateways  *gateway.Pool
	Keys      *crypto.KeyManager
	JWTSecret string
}

// Deps carries everything the server needs.
type Deps struct {
	Bus       *events.Bus
	DB        *db.Database
	Signals   *signals.Service
	Filter    *eligibility.Filter
	Windows   *window.Manager
	Sweeper   *window.Sweeper
	Portfolio *portfolio.Service
	Trades    *trade.Orchestrator
	Gateways  *gateway.Pool
	Keys      *crypto.KeyManager
	JWTSecret string
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       deps.Bus,
		DB:        deps.DB,
		Signals:   deps.Signals,
		Filter:    deps.Filter,
		Windows:   deps.Windows,
		Sweeper:   deps.Sweeper,
		Portfolio: deps.Portfolio,
		Trades:    deps.Trades,
		Gateways:  deps.Gateways,
		Keys:      deps.Keys,
		JWTSecret: deps.JWTSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/signals", s.listSignals)
			protected.POST("/signals/:id/accept", s.acceptSignal)
			protected.POST("/signals/:id/accept-partial", s.acceptSignalPartial)
			protected.POST("/signals/:id/skip", s.skipSignal)
			protected.POST("/sweep", s.runSweep)

			protected.GET("/portfolio", s.getPortfolio)
			protected.POST("/portfolio/refresh", s.refreshPortfolio)
			protected.POST("/holdings/:token/sell", s.sellHolding)
			protected.GET("/cycles", s.listCycles)
			protected.GET("/trades", s.listTrades)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
