// Package handlers exposes the workflow service over HTTP and WebSocket.
// Authentication is upstream's job; requests identify their actor through
// headers and every operation is authorized against that actor's tenant
// context.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/engine"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/service"
)

// Handlers serves the workflow API.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "workflow-handlers")),
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.POST("/tenants", h.httpCreateTenant)
	api.GET("/tenants/:id", h.httpGetTenant)
	api.PATCH("/tenants/:id/status", h.httpUpdateTenantStatus)
	api.GET("/tenants/:id/audit", h.httpAuditTrail)
	api.POST("/actors", h.httpRegisterActor)

	api.GET("/templates", h.httpListTemplates)
	api.GET("/templates/:role/:version", h.httpGetTemplate)
	api.POST("/templates", h.httpPublishTemplate)

	api.POST("/workflows", h.httpCreateWorkflow)
	api.GET("/workflows", h.httpListWorkflows)
	api.GET("/workflows/:id", h.httpGetWorkflow)
	api.POST("/workflows/:id/steps/:stepId/execute", h.httpExecuteStep)
	api.POST("/workflows/:id/pause", h.httpPauseWorkflow)
	api.POST("/workflows/:id/resume", h.httpResumeWorkflow)
	api.POST("/workflows/:id/validate", h.httpValidateWorkflow)
	api.POST("/workflows/:id/submit", h.httpSubmitWorkflow)
	api.POST("/workflows/:id/approve", h.httpApproveWorkflow)
	api.POST("/workflows/:id/reject", h.httpRejectWorkflow)
	api.POST("/workflows/:id/rollback", h.httpRollbackWorkflow)
	api.POST("/workflows/:id/cancel", h.httpCancelWorkflow)
	api.GET("/workflows/:id/events", h.httpWorkflowEvents)
	api.GET("/workflows/:id/replay", h.httpReplayWorkflow)
	api.GET("/workflows/:id/bookmarks", h.httpWorkflowBookmarks)
	api.POST("/bookmarks/:id/resume", h.httpResumeBookmark)
}

// tenantContext builds the tenant context for a request. A request naming
// only X-Actor-Id resolves the registered actor; otherwise the role and
// tenant headers describe the actor directly.
func (h *Handlers) tenantContext(c *gin.Context) (tenant.Context, bool) {
	actorID := c.GetHeader("X-Actor-Id")
	if actorID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Actor-Id header is required"})
		return tenant.Context{}, false
	}

	role := c.GetHeader("X-Actor-Role")
	if role == "" {
		tc, err := h.service.ContextFor(c.Request.Context(), actorID)
		if err != nil {
			h.respondError(c, err)
			return tenant.Context{}, false
		}
		return tc, true
	}

	tc, err := h.service.ContextForActor(tenant.Actor{
		ID:       actorID,
		Role:     tenant.Role(role),
		TenantID: c.GetHeader("X-Tenant-Id"),
	})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return tenant.Context{}, false
	}
	return tc, true
}

// respondError maps structured error kinds onto HTTP statuses.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var structured *models.Error
	if !errors.As(err, &structured) {
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch structured.Kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindNotFound, models.KindTenantAccessDenied:
		// Cross-tenant access reads as absence, never as denial.
		status = http.StatusNotFound
	case models.KindPermissionDenied:
		status = http.StatusForbidden
	case models.KindInvalidTransition, models.KindStaleWrite, models.KindConflictingWrite,
		models.KindConflict, models.KindBookmarkAlreadyConsumed:
		status = http.StatusConflict
	case models.KindBookmarkExpired:
		status = http.StatusGone
	case models.KindExternalTransient, models.KindExternalPermanent:
		status = http.StatusBadGateway
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	body := gin.H{
		"kind":    structured.Kind,
		"message": structured.Message,
	}
	if structured.WorkflowID != "" {
		body["workflow_id"] = structured.WorkflowID
	}
	if structured.StepID != "" {
		body["step_id"] = structured.StepID
	}
	if len(structured.FieldErrors) > 0 {
		body["field_errors"] = structured.FieldErrors
	}
	if status >= 500 {
		h.logger.Error("request failed", zap.String("kind", string(structured.Kind)), zap.Error(err))
	}
	c.JSON(status, body)
}

// Tenant endpoints

type createTenantRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handlers) httpCreateTenant(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.service.CreateTenant(c.Request.Context(), tc, req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handlers) httpGetTenant(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	t, err := h.service.GetTenant(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type updateTenantStatusRequest struct {
	Status tenant.Status `json:"status" binding:"required"`
}

func (h *Handlers) httpUpdateTenantStatus(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req updateTenantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.UpdateTenantStatus(c.Request.Context(), tc, c.Param("id"), req.Status); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) httpRegisterActor(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var actor tenant.Actor
	if err := c.ShouldBindJSON(&actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.RegisterActor(c.Request.Context(), tc, actor); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, actor)
}

func (h *Handlers) httpAuditTrail(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	since, until := parseTimeQuery(c, "since"), parseTimeQuery(c, "until")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	events, err := h.service.AuditTrail(c.Request.Context(), tc, c.Param("id"), since, until, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// Template endpoints

func (h *Handlers) httpListTemplates(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": h.service.ListTemplates(tc)})
}

func (h *Handlers) httpGetTemplate(c *gin.Context) {
	if _, ok := h.tenantContext(c); !ok {
		return
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be an integer"})
		return
	}
	t, err := h.service.GetTemplate(models.MarketRole(c.Param("role")), version)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handlers) httpPublishTemplate(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var t models.WorkflowTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.PublishTemplate(c.Request.Context(), tc, &t); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Workflow endpoints

type createWorkflowRequest struct {
	MarketRole      string         `json:"market_role" binding:"required"`
	TemplateVersion int            `json:"template_version"`
	TenantID        string         `json:"tenant_id"`
	Metadata        map[string]any `json:"metadata"`
}

func (h *Handlers) httpCreateWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := h.service.CreateWorkflow(c.Request.Context(), tc, engine.CreateRequest{
		MarketRole:      models.MarketRole(req.MarketRole),
		TemplateVersion: req.TemplateVersion,
		TenantID:        req.TenantID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *Handlers) httpListWorkflows(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	f := indexstore.Filter{
		TenantID:      c.Query("tenant_id"),
		Status:        models.WorkflowStatus(c.Query("status")),
		MarketRole:    models.MarketRole(c.Query("market_role")),
		CreatedAfter:  parseTimeQuery(c, "created_after"),
		CreatedBefore: parseTimeQuery(c, "created_before"),
		Search:        c.Query("search"),
		Limit:         limit,
		Offset:        offset,
	}
	rows, total, err := h.service.ListWorkflows(c.Request.Context(), tc, f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": rows, "total": total})
}

func (h *Handlers) httpGetWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	state, err := h.service.GetWorkflow(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type executeStepRequest struct {
	Input map[string]any `json:"input"`
}

func (h *Handlers) httpExecuteStep(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req executeStepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	state, err := h.service.ExecuteStep(c.Request.Context(), tc, c.Param("id"), c.Param("stepId"), req.Input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpPauseWorkflow(c *gin.Context) {
	h.lifecycle(c, h.service.PauseWorkflow)
}

func (h *Handlers) httpResumeWorkflow(c *gin.Context) {
	h.lifecycle(c, h.service.ResumeWorkflow)
}

func (h *Handlers) httpValidateWorkflow(c *gin.Context) {
	h.lifecycle(c, h.service.ValidateWorkflow)
}

func (h *Handlers) httpSubmitWorkflow(c *gin.Context) {
	h.lifecycle(c, h.service.SubmitWorkflow)
}

type reviewRequest struct {
	Comments string `json:"comments"`
	ReturnTo string `json:"return_to"` // reject only: step to land on
}

func (h *Handlers) httpApproveWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req reviewRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	state, err := h.service.ApproveWorkflow(c.Request.Context(), tc, c.Param("id"), req.Comments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpRejectWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req reviewRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	state, err := h.service.RejectWorkflow(c.Request.Context(), tc, c.Param("id"), req.Comments, req.ReturnTo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type rollbackRequest struct {
	ToStepID string `json:"to_step_id"`
}

func (h *Handlers) httpRollbackWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req rollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	state, err := h.service.RollbackWorkflow(c.Request.Context(), tc, c.Param("id"), req.ToStepID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) httpCancelWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	state, err := h.service.CancelWorkflow(c.Request.Context(), tc, c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpWorkflowEvents(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	from, _ := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	to, _ := strconv.ParseInt(c.DefaultQuery("to", "0"), 10, 64)
	events, err := h.service.WorkflowHistory(c.Request.Context(), tc, c.Param("id"), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (h *Handlers) httpReplayWorkflow(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	upTo, _ := strconv.ParseInt(c.DefaultQuery("up_to", "0"), 10, 64)
	state, err := h.service.ReplayWorkflow(c.Request.Context(), tc, c.Param("id"), upTo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) httpWorkflowBookmarks(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	marks, err := h.service.WorkflowBookmarks(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookmarks": marks})
}

type resumeBookmarkRequest struct {
	Payload map[string]any `json:"payload"`
}

func (h *Handlers) httpResumeBookmark(c *gin.Context) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	var req resumeBookmarkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	state, err := h.service.ResumeBookmark(c.Request.Context(), tc, c.Param("id"), req.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type lifecycleFn func(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error)

func (h *Handlers) lifecycle(c *gin.Context, fn lifecycleFn) {
	tc, ok := h.tenantContext(c)
	if !ok {
		return
	}
	state, err := fn(c.Request.Context(), tc, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func parseTimeQuery(c *gin.Context, key string) time.Time {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
