// Package service is the application layer over the workflow engine: it
// resolves actors into tenant contexts, exposes template and tenant
// administration, and delegates workflow operations to the engine.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/engine"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/templates"
)

// Service wires the engine, template registry, and tenant store together.
type Service struct {
	engine    *engine.Engine
	templates *templates.Registry
	tenants   *tenant.Store
	logger    *logger.Logger
}

// New creates the workflow service.
func New(eng *engine.Engine, reg *templates.Registry, tenants *tenant.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		engine:    eng,
		templates: reg,
		tenants:   tenants,
		logger:    log.WithFields(zap.String("component", "workflow-service")),
	}
}

// ContextFor resolves a registered actor into a tenant context.
func (s *Service) ContextFor(ctx context.Context, actorID string) (tenant.Context, error) {
	actor, err := s.tenants.GetActor(ctx, actorID)
	if err != nil {
		return tenant.Context{}, err
	}
	return tenant.NewContext(*actor)
}

// ContextForActor builds a tenant context from an unregistered actor
// description, validating its tenant binding.
func (s *Service) ContextForActor(actor tenant.Actor) (tenant.Context, error) {
	return tenant.NewContext(actor)
}

// Workflow operations.

// CreateWorkflow starts a workflow after checking the target tenant's
// lifecycle status: a suspended or inactive tenant may not start onboarding.
func (s *Service) CreateWorkflow(ctx context.Context, tc tenant.Context, req engine.CreateRequest) (*models.WorkflowInstance, error) {
	tenantID := req.TenantID
	if !tc.CrossTenant() {
		tenantID = tc.TenantID()
	}
	if tenantID != "" {
		t, err := s.tenants.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if t.Status == tenant.StatusSuspended || t.Status == tenant.StatusInactive {
			return nil, models.NewError(models.KindPermissionDenied,
				"tenant %s is %s and may not start workflows", t.ID, t.Status)
		}
	}
	return s.engine.Create(ctx, tc, req)
}

func (s *Service) GetWorkflow(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	return s.engine.Get(ctx, tc, id)
}

func (s *Service) ListWorkflows(ctx context.Context, tc tenant.Context, f indexstore.Filter) ([]*models.IndexRow, int, error) {
	return s.engine.List(ctx, tc, f)
}

func (s *Service) ExecuteStep(ctx context.Context, tc tenant.Context, workflowID, stepID string, input map[string]any) (*models.WorkflowInstance, error) {
	return s.engine.ExecuteStep(ctx, tc, workflowID, stepID, input)
}

func (s *Service) ResumeBookmark(ctx context.Context, tc tenant.Context, bookmarkID string, payload map[string]any) (*models.WorkflowInstance, error) {
	return s.engine.ResumeBookmark(ctx, tc, bookmarkID, payload)
}

func (s *Service) PauseWorkflow(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	return s.engine.Pause(ctx, tc, id)
}

func (s *Service) ResumeWorkflow(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	return s.engine.Resume(ctx, tc, id)
}

func (s *Service) ValidateWorkflow(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	return s.engine.Validate(ctx, tc, id)
}

func (s *Service) SubmitWorkflow(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	return s.engine.Submit(ctx, tc, id)
}

func (s *Service) ApproveWorkflow(ctx context.Context, tc tenant.Context, id, comments string) (*models.WorkflowInstance, error) {
	return s.engine.Approve(ctx, tc, id, comments)
}

func (s *Service) RejectWorkflow(ctx context.Context, tc tenant.Context, id, comments, returnTo string) (*models.WorkflowInstance, error) {
	return s.engine.Reject(ctx, tc, id, comments, returnTo)
}

func (s *Service) RollbackWorkflow(ctx context.Context, tc tenant.Context, id, toStepID string) (*models.WorkflowInstance, error) {
	return s.engine.Rollback(ctx, tc, id, toStepID)
}

func (s *Service) CancelWorkflow(ctx context.Context, tc tenant.Context, id, reason string) (*models.WorkflowInstance, error) {
	return s.engine.Cancel(ctx, tc, id, reason)
}

func (s *Service) WorkflowHistory(ctx context.Context, tc tenant.Context, id string, fromSeq, toSeq int64) ([]*models.WorkflowEvent, error) {
	return s.engine.History(ctx, tc, id, fromSeq, toSeq)
}

func (s *Service) ReplayWorkflow(ctx context.Context, tc tenant.Context, id string, upToSeq int64) (*models.WorkflowInstance, error) {
	return s.engine.Replay(ctx, tc, id, upToSeq)
}

func (s *Service) WorkflowBookmarks(ctx context.Context, tc tenant.Context, id string) ([]*models.Bookmark, error) {
	return s.engine.Bookmarks(ctx, tc, id)
}

func (s *Service) AuditTrail(ctx context.Context, tc tenant.Context, tenantID string, since, until time.Time, limit int) ([]*models.WorkflowEvent, error) {
	return s.engine.AuditTrail(ctx, tc, tenantID, since, until, limit)
}

// Template administration. Publishing is restricted to cross-tenant
// operators: templates are market-wide definitions, not tenant data.

func (s *Service) ListTemplates(tc tenant.Context) []*models.WorkflowTemplate {
	return s.templates.List()
}

func (s *Service) GetTemplate(role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
	return s.templates.Get(role, version)
}

func (s *Service) PublishTemplate(ctx context.Context, tc tenant.Context, t *models.WorkflowTemplate) error {
	if !tc.CrossTenant() {
		return models.NewError(models.KindPermissionDenied,
			"actor %s may not publish templates", tc.Actor.ID)
	}
	t.PublishedAt = time.Now().UTC()
	return s.templates.Publish(ctx, t)
}

// Tenant administration, also cross-tenant only.

func (s *Service) CreateTenant(ctx context.Context, tc tenant.Context, name string) (*tenant.Tenant, error) {
	if !tc.CrossTenant() {
		return nil, models.NewError(models.KindPermissionDenied,
			"actor %s may not create tenants", tc.Actor.ID)
	}
	return s.tenants.Create(ctx, name)
}

func (s *Service) GetTenant(ctx context.Context, tc tenant.Context, id string) (*tenant.Tenant, error) {
	if !tc.CanAccess(id) {
		return nil, models.NewError(models.KindNotFound, "tenant %s not found", id)
	}
	return s.tenants.Get(ctx, id)
}

func (s *Service) UpdateTenantStatus(ctx context.Context, tc tenant.Context, id string, status tenant.Status) error {
	if !tc.CrossTenant() {
		return models.NewError(models.KindPermissionDenied,
			"actor %s may not change tenant status", tc.Actor.ID)
	}
	return s.tenants.UpdateStatus(ctx, id, status)
}

func (s *Service) RegisterActor(ctx context.Context, tc tenant.Context, actor tenant.Actor) error {
	if !tc.CrossTenant() {
		return models.NewError(models.KindPermissionDenied,
			"actor %s may not register actors", tc.Actor.ID)
	}
	return s.tenants.CreateActor(ctx, actor)
}
