package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casoon/auditmysite-studio-sub003/internal/websocket"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/common"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
	"github.com/casoon/auditmysite-studio-sub003/pkg/middleware"
	"github.com/casoon/auditmysite-studio-sub003/pkg/validation"
	"github.com/casoon/auditmysite-studio-sub003/pkg/version"
)

// sitemapProbeTimeout bounds the submit-time sitemap check.
const sitemapProbeTimeout = 30 * time.Second

// AuditManager is the run-lifecycle surface the handlers drive.
type AuditManager interface {
	Start(cfg *surveyor.AuditConfig) (string, error)
	Cancel(runID string) bool
	ActiveRuns() int
}

// SitemapLoader probes and loads sitemap documents.
type SitemapLoader interface {
	Discover(ctx context.Context, sitemapURL string) ([]string, error)
}

// serviceFeatures lists the audit capabilities advertised on /status.
var serviceFeatures = []string{
	surveyor.ModuleHTTP,
	surveyor.ModulePerformance,
	surveyor.ModuleAccessibility,
	surveyor.ModuleSEO,
	surveyor.ModuleContentWeight,
	surveyor.ModuleMobile,
	"screenshots",
	"websocket-events",
}

// SurveyorHandlers contains the HTTP handlers for the service
type SurveyorHandlers struct {
	manager          AuditManager
	hub              *websocket.Hub
	loader           SitemapLoader
	validator        *validation.ConfigValidator
	logger           logging.Logger
	defaultOutputDir string
}

// NewSurveyorHandlers creates a new handlers instance
func NewSurveyorHandlers(manager AuditManager, hub *websocket.Hub, loader SitemapLoader, logger logging.Logger, defaultOutputDir string) *SurveyorHandlers {
	return &SurveyorHandlers{
		manager:          manager,
		hub:              hub,
		loader:           loader,
		validator:        validation.NewConfigValidator(),
		logger:           logger,
		defaultOutputDir: defaultOutputDir,
	}
}

// HandleStartAudit accepts an audit configuration and starts a run.
// The sitemap is probed before the run is accepted so an unusable
// document is rejected up front; with the loader cache enabled the run
// reuses the probed URL list.
func (h *SurveyorHandlers) HandleStartAudit(c *gin.Context) {
	var cfg surveyor.AuditConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(
			common.CodeInvalidRequest, "Malformed audit configuration", err.Error()))
		return
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = h.defaultOutputDir
	}
	cfg.ApplyDefaults()

	if err := h.validator.ValidateConfig(&cfg); err != nil {
		var details interface{}
		var ve *validation.ValidationError
		if errors.As(err, &ve) {
			details = ve.Fields
		}
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(
			common.CodeInvalidRequest, "Invalid audit configuration", details))
		return
	}

	if len(cfg.URLs) == 0 {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), sitemapProbeTimeout)
		defer cancel()
		if _, err := h.loader.Discover(probeCtx, cfg.SitemapURL); err != nil {
			middleware.GetContextLogger(c, h.logger).WithError(err).WithField(
				"sitemap_url", cfg.SitemapURL).Warn("Sitemap rejected at submit")
			c.JSON(http.StatusUnprocessableEntity, common.NewErrorResponse(
				common.CodeInvalidSitemap, "Sitemap could not be loaded", err.Error()))
			return
		}
	}

	runID, err := h.manager.Start(&cfg)
	if err != nil {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Failed to start audit run")
		c.JSON(http.StatusInternalServerError, common.NewErrorResponse(
			common.CodeInternalError, "Failed to start audit run", nil))
		return
	}

	c.JSON(http.StatusOK, surveyor.StartAuditResponse{
		RunID:         runID,
		Status:        "started",
		SitemapURL:    cfg.SitemapURL,
		Configuration: &cfg,
		Timestamp:     time.Now().UTC(),
	})
}

// HandleCancelAudit signals a running or queued audit to stop.
func (h *SurveyorHandlers) HandleCancelAudit(c *gin.Context) {
	runID := c.Param("runId")
	if !h.manager.Cancel(runID) {
		c.JSON(http.StatusNotFound, common.NewErrorResponse(
			common.CodeRunNotFound, "No active run with that id", nil))
		return
	}
	c.JSON(http.StatusOK, surveyor.CancelResponse{RunID: runID, Status: "cancelling"})
}

// HandleHealth provides the lightweight liveness endpoint.
func (h *SurveyorHandlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, surveyor.HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		ActiveRuns: h.manager.ActiveRuns(),
	})
}

// HandleStatus reports service identity and capabilities.
func (h *SurveyorHandlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, surveyor.StatusResponse{
		Service:    "surveyor",
		Version:    version.Version,
		Features:   serviceFeatures,
		ActiveRuns: h.manager.ActiveRuns(),
		Timestamp:  time.Now().UTC(),
	})
}

// HandleWebSocket serves WebSocket connections for the event stream
func (h *SurveyorHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleNotFound provides a custom 404 handler
func (h *SurveyorHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, common.NewErrorResponse(
		common.CodeNotFound, "Endpoint not found", nil))
}
