package templates

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/events/bus"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Registry is the process-wide template cache keyed by (market_role, version).
// Registration is publish-once: a key can never be overwritten, so instances
// pinned to a version always resolve the same definition.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[models.TemplateKey]*models.WorkflowTemplate
	eventBus bus.EventBus
	logger   *logger.Logger
	sub      bus.Subscription
}

// NewRegistry creates an empty registry. The bus is optional; when present,
// publications from other nodes refresh the local cache.
func NewRegistry(eventBus bus.EventBus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		byKey:    make(map[models.TemplateKey]*models.WorkflowTemplate),
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "template-registry")),
	}
}

// Register validates and adds a template version to the registry. Registering
// an already-known key returns a Conflict error.
func (r *Registry) Register(t *models.WorkflowTemplate) error {
	if err := Validate(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := t.Key()
	if _, exists := r.byKey[key]; exists {
		return models.NewError(models.KindConflict, "template %s is already published", key)
	}
	r.byKey[key] = t
	r.logger.Info("Registered workflow template",
		zap.String("template", key.String()),
		zap.Int("steps", len(t.Steps)),
		zap.Bool("active", t.Active))
	return nil
}

// Publish registers a template and announces it on the bus so other nodes
// pick it up.
func (r *Registry) Publish(ctx context.Context, t *models.WorkflowTemplate) error {
	if err := r.Register(t); err != nil {
		return err
	}
	if r.eventBus == nil {
		return nil
	}
	ev := bus.NewEvent(bus.SubjectTemplatePublished, "template-registry", map[string]any{
		"template_id": t.ID,
		"market_role": string(t.MarketRole),
		"version":     t.Version,
	})
	if err := r.eventBus.Publish(ctx, bus.SubjectTemplatePublished, ev); err != nil {
		r.logger.Warn("Failed to announce template publication", zap.Error(err))
	}
	return nil
}

// Get resolves an exact template version.
func (r *Registry) Get(role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byKey[models.TemplateKey{MarketRole: role, Version: version}]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "template %s/v%d not found", role, version)
	}
	return t, nil
}

// Latest resolves the highest active version for a market role.
func (r *Registry) Latest(role models.MarketRole) (*models.WorkflowTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.WorkflowTemplate
	for key, t := range r.byKey {
		if key.MarketRole != role || !t.Active {
			continue
		}
		if best == nil || t.Version > best.Version {
			best = t
		}
	}
	if best == nil {
		return nil, models.NewError(models.KindNotFound, "no active template for market role %s", role)
	}
	return best, nil
}

// List returns every registered template.
func (r *Registry) List() []*models.WorkflowTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(r.byKey))
	for _, t := range r.byKey {
		out = append(out, t)
	}
	return out
}

// LoadSeedTemplates loads templates from the seed directory into the registry.
// Keys already registered are skipped so restarts are idempotent.
func (r *Registry) LoadSeedTemplates(dir string) error {
	loaded, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, t := range loaded {
		err := r.Register(t)
		if models.IsKind(err, models.KindConflict) {
			continue
		}
		if err != nil {
			return err
		}
	}
	r.logger.Info("Loaded seed templates", zap.String("dir", dir), zap.Int("count", len(loaded)))
	return nil
}

// Start subscribes to template publications so the cache follows the bus.
func (r *Registry) Start(ctx context.Context, resolve func(ctx context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error)) error {
	if r.eventBus == nil || resolve == nil {
		return nil
	}
	sub, err := r.eventBus.Subscribe(bus.SubjectTemplatePublished, func(ctx context.Context, ev *bus.Event) error {
		role := models.MarketRole(stringField(ev.Data, "market_role"))
		version := intField(ev.Data, "version")
		if role == "" || version == 0 {
			return nil
		}
		t, err := resolve(ctx, role, version)
		if err != nil {
			r.logger.Warn("Failed to resolve published template",
				zap.String("market_role", string(role)), zap.Int("version", version), zap.Error(err))
			return nil
		}
		if err := r.Register(t); err != nil && !models.IsKind(err, models.KindConflict) {
			r.logger.Warn("Failed to cache published template", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop cancels the bus subscription.
func (r *Registry) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
