package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/metrics"
	"hoymiles-bridge/internal/push"
	"hoymiles-bridge/internal/storage"
)

const defaultHistoryLimit = 100

// Server is the HTTP frontend: health and readiness probes, Prometheus
// metrics, the query API and the inbound push endpoint.
type Server struct {
	cfg     *config.Config
	db      *storage.Database
	health  *health.Registry
	metrics *metrics.Metrics
	cache   *push.Cache
	hub     *push.Hub
	inbound *push.Inbound
	log     *logrus.Entry

	httpServer *http.Server
}

func NewServer(cfg *config.Config, db *storage.Database, healthReg *health.Registry,
	m *metrics.Metrics, cache *push.Cache, hub *push.Hub) *Server {
	s := &Server{
		cfg:     cfg,
		db:      db,
		health:  healthReg,
		metrics: m,
		cache:   cache,
		hub:     hub,
		inbound: push.NewInbound(cfg.Push.Token, cache),
		log:     logrus.WithField("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port),
		Handler: router,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/stats", s.handleStats)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.GET("/ws", s.inbound.Handler)

	api := router.Group("/api")
	api.Use(corsMiddleware())
	{
		api.GET("/inverters", s.handleInverters)
		api.GET("/inverters/:serial", s.handleInverter)
		api.GET("/inverters/:serial/history", s.handleInverterHistory)
		api.GET("/inverters/:serial/ports", s.handleInverterPorts)
		api.GET("/ports", s.handlePorts)
		api.GET("/production/current", s.handleProduction)
		api.POST("/websocket/register", s.handleWebsocketRegister)
	}
}

// Start serves until Shutdown. Blocks; run it in its own goroutine.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.health.Snapshot(s.cfg.Health.OfflineThreshold)
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

func (s *Server) handleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.db.Stats()
	if err != nil {
		s.log.WithError(err).Error("Failed to read stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type invertersResponse struct {
	Source    string                     `json:"source"`
	Count     int                        `json:"count"`
	Inverters []storage.EnrichedInverter `json:"inverters"`
}

// handleInverters serves the live push cache when fresh and falls back
// to the database otherwise. The response says which source answered.
func (s *Server) handleInverters(c *gin.Context) {
	if s.cache != nil {
		payload, fresh := s.cache.Get()
		if fresh {
			c.JSON(http.StatusOK, invertersResponse{
				Source:    "push",
				Count:     len(payload.Inverters),
				Inverters: payload.Inverters,
			})
			return
		}
		if payload != nil {
			s.log.WithField("received_at", s.cache.ReceivedAt()).
				Info("Push cache stale, answering from database")
		}
	}

	inverters, err := s.db.EnrichedInverters()
	if err != nil {
		s.log.WithError(err).Error("Failed to list inverters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list inverters"})
		return
	}
	c.JSON(http.StatusOK, invertersResponse{
		Source:    "database",
		Count:     len(inverters),
		Inverters: inverters,
	})
}

func (s *Server) handleInverter(c *gin.Context) {
	serial := c.Param("serial")
	inv, err := s.db.GetInverter(serial)
	if err != nil {
		s.log.WithError(err).Error("Failed to load inverter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load inverter"})
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inverter not found"})
		return
	}

	readings, err := s.db.LatestInverterReadings(serial, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load readings"})
		return
	}
	enriched := storage.EnrichedInverter{Inverter: *inv, Ports: []storage.PortReading{}}
	if len(readings) > 0 {
		enriched.LatestReading = &readings[0]
	}
	ports, err := s.db.LatestPortReadings(serial, -1, 40)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ports"})
		return
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p.PortNumber] {
			continue
		}
		seen[p.PortNumber] = true
		enriched.Ports = append(enriched.Ports, p)
	}
	c.JSON(http.StatusOK, enriched)
}

type historyResponse struct {
	SerialNumber string                    `json:"serial_number"`
	Count        int                       `json:"count"`
	Readings     []storage.InverterReading `json:"readings"`
}

func (s *Server) handleInverterHistory(c *gin.Context) {
	serial := c.Param("serial")
	limit := queryLimit(c)

	readings, err := s.db.LatestInverterReadings(serial, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, historyResponse{
		SerialNumber: serial,
		Count:        len(readings),
		Readings:     readings,
	})
}

type portsResponse struct {
	Count    int                   `json:"count"`
	Readings []storage.PortReading `json:"readings"`
}

func (s *Server) handleInverterPorts(c *gin.Context) {
	serial := c.Param("serial")
	port := -1
	if raw := c.Query("port"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
			return
		}
		port = parsed
	}

	readings, err := s.db.LatestPortReadings(serial, port, queryLimit(c))
	if err != nil {
		s.log.WithError(err).Error("Failed to load port readings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load port readings"})
		return
	}
	c.JSON(http.StatusOK, portsResponse{Count: len(readings), Readings: readings})
}

func (s *Server) handlePorts(c *gin.Context) {
	readings, err := s.db.LatestPortReadings("", -1, queryLimit(c))
	if err != nil {
		s.log.WithError(err).Error("Failed to load port readings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load port readings"})
		return
	}
	c.JSON(http.StatusOK, portsResponse{Count: len(readings), Readings: readings})
}

type productionResponse struct {
	Count      int                       `json:"count"`
	TodayWh    int64                     `json:"today_wh"`
	LifetimeWh int64                     `json:"lifetime_wh"`
	Ports      []storage.ProductionCache `json:"ports"`
}

func (s *Server) handleProduction(c *gin.Context) {
	rows, err := s.db.ListProduction()
	if err != nil {
		s.log.WithError(err).Error("Failed to load production cache")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load production"})
		return
	}

	resp := productionResponse{Count: len(rows), Ports: rows}
	for _, row := range rows {
		resp.TodayWh += row.TodayProduction
		resp.LifetimeWh += row.TotalProduction
	}
	c.JSON(http.StatusOK, resp)
}

type registerRequest struct {
	WebsocketURL string `json:"websocket_url" binding:"required"`
	Name         string `json:"name"`
}

func (s *Server) handleWebsocketRegister(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push is disabled"})
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket_url is required"})
		return
	}

	if err := s.hub.Register(req.WebsocketURL, req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "registered",
		"receivers": s.hub.Receivers(),
	})
}

func queryLimit(c *gin.Context) int {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}
