package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ecopulse/config"
	"ecopulse/internal/collector"
	"ecopulse/internal/device"
	"ecopulse/internal/insights"
	"ecopulse/internal/metrics"
	"ecopulse/internal/storage"
	"ecopulse/internal/telemetry"

	"github.com/gin-gonic/gin"
)

type Server struct {
	router     *gin.Engine
	server     *http.Server
	collector  *collector.Collector
	db         *storage.Database
	link       *device.Link
	analyst    *insights.Analyst
	metrics    *metrics.Metrics
	port       int
	ratePerKWh float64
	log        *slog.Logger

	configMu sync.Mutex
	config   *config.Config
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	Database  *storage.Database
	Link      *device.Link
	Analyst   *insights.Analyst
	Metrics   *metrics.Metrics
	Config    *config.Config
	Logger    *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	rate := 0.14
	if cfg.Config != nil && cfg.Config.Billing.RatePerKWh > 0 {
		rate = cfg.Config.Billing.RatePerKWh
	}

	s := &Server{
		router:     router,
		collector:  cfg.Collector,
		db:         cfg.Database,
		link:       cfg.Link,
		analyst:    cfg.Analyst,
		metrics:    cfg.Metrics,
		port:       cfg.Port,
		ratePerKWh: rate,
		log:        log,
		config:     cfg.Config,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.healthHandler)

		api.POST("/session/login", s.loginHandler)
		api.GET("/session", s.sessionHandler)
		api.DELETE("/session", s.logoutHandler)

		api.GET("/appliances", s.listAppliancesHandler)
		api.POST("/appliances", s.addApplianceHandler)
		api.DELETE("/appliances/:id", s.removeApplianceHandler)
		api.POST("/appliances/:id/toggle", s.toggleApplianceHandler)
		api.POST("/appliances/:id/identify", s.identifyApplianceHandler)

		api.GET("/telemetry/aggregate", s.aggregateHandler)
		api.GET("/billing", s.billingHandler)
		api.POST("/insights", s.insightsHandler)

		api.GET("/config/voltage-limit", s.getVoltageLimitHandler)
		api.PUT("/config/voltage-limit", s.updateVoltageLimitHandler)
		api.GET("/config/device", s.getDeviceConfigHandler)
		api.PUT("/config/device", s.updateDeviceConfigHandler)
		api.GET("/device/status", s.deviceStatusHandler)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("api_server_starting", "port", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	agg := s.collector.Aggregate()

	deviceStatus := device.StatusIdle
	if s.link != nil {
		deviceStatus = s.link.State().Status
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"collecting":    s.collector.IsCollecting(),
		"nodes":         agg.NodeCount,
		"device_status": deviceStatus,
		"timestamp":     time.Now(),
	})
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password"`
}

// UserFromEmail derives the dashboard user; the name is the upper-cased local part.
func UserFromEmail(email string) storage.User {
	email = strings.TrimSpace(email)
	local, _, _ := strings.Cut(email, "@")
	return storage.User{
		ID:    "1",
		Email: email,
		Name:  strings.ToUpper(local),
	}
}

func (s *Server) loginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	user := UserFromEmail(req.Email)
	if err := s.db.SaveUser(user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("user_logged_in", "email", user.Email)
	c.JSON(http.StatusOK, user)
}

func (s *Server) sessionHandler(c *gin.Context) {
	user, err := s.db.LoadUser()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) logoutHandler(c *gin.Context) {
	if err := s.db.DeleteUser(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("user_logged_out")
	c.Status(http.StatusNoContent)
}

func (s *Server) listAppliancesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Snapshot().Nodes)
}

type AddApplianceRequest struct {
	Name string `json:"name" binding:"required"`
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) addApplianceHandler(c *gin.Context) {
	var req AddApplianceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, ok := telemetry.ParseKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown kind %q", req.Kind)})
		return
	}

	node, err := s.collector.Add(req.Name, kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) removeApplianceHandler(c *gin.Context) {
	if err := s.collector.Remove(c.Param("id")); err != nil {
		s.nodeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleApplianceHandler(c *gin.Context) {
	node, err := s.collector.Toggle(c.Param("id"))
	if err != nil {
		s.nodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) identifyApplianceHandler(c *gin.Context) {
	id := c.Param("id")
	prediction, err := s.collector.Identify(c.Request.Context(), id, s.analyst)
	if err != nil {
		s.nodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            id,
		"ai_prediction": prediction,
	})
}

// nodeError maps collector errors onto status codes.
func (s *Server) nodeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collector.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, collector.ErrInsufficientHistory):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, collector.ErrInvalidNode), errors.Is(err, collector.ErrVoltageLimitRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) aggregateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Aggregate())
}

func (s *Server) billingHandler(c *gin.Context) {
	agg := s.collector.Aggregate()
	c.JSON(http.StatusOK, gin.H{
		"projection": telemetry.ProjectBilling(agg.TotalPower, agg.TotalLoss, s.ratePerKWh),
		"history":    telemetry.BillingHistory(),
	})
}

func (s *Server) insightsHandler(c *gin.Context) {
	snap := s.collector.Snapshot()
	text := s.analyst.EnergyInsights(c.Request.Context(), snap.Nodes, snap.VoltageLimit)
	c.JSON(http.StatusOK, gin.H{"insights": text})
}

type VoltageLimitRequest struct {
	VoltageLimit *float64 `json:"voltage_limit" binding:"required"`
}

func (s *Server) getVoltageLimitHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"voltage_limit": s.collector.VoltageLimit(),
		"min":           telemetry.MinVoltageLimit,
		"max":           telemetry.MaxVoltageLimit,
	})
}

func (s *Server) updateVoltageLimitHandler(c *gin.Context) {
	var req VoltageLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.collector.SetVoltageLimit(*req.VoltageLimit); err != nil {
		s.nodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voltage_limit": s.collector.VoltageLimit()})
}

type DeviceConfigRequest struct {
	Address string `json:"address"`
}

func (s *Server) getDeviceConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": s.link.Address()})
}

// updateDeviceConfigHandler switches the device address, waits for the probe and
// writes the address back to the config file. Malformed addresses are rejected
// without touching the link or the file.
func (s *Server) updateDeviceConfigHandler(c *gin.Context) {
	var req DeviceConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address := strings.TrimSpace(req.Address)
	if address != "" {
		if _, err := device.BuildURL(address, "/", nil); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	select {
	case <-s.link.SetAddress(address):
	case <-c.Request.Context().Done():
	}
	state := s.link.State()
	if state.Status == device.StatusError {
		c.JSON(http.StatusBadRequest, gin.H{"error": state.LastError, "device": state})
		return
	}

	if err := s.saveDeviceAddress(address); err != nil {
		s.log.Warn("config_persist_failed", "error", err.Error())
		c.JSON(http.StatusOK, gin.H{
			"device":  state,
			"message": "Address applied but not persisted to file",
			"warning": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":  state,
		"message": "Device address updated",
	})
}

func (s *Server) saveDeviceAddress(address string) error {
	if s.config == nil {
		return errors.New("no configuration loaded")
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	return s.config.SaveDeviceAddress(address)
}

func (s *Server) deviceStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.link.State())
}
