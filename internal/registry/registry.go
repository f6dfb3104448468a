package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultOrder is used for entries that do not set Order.
const DefaultOrder = 50

// ErrUnknownService is returned for an ID that is not running.
var ErrUnknownService = errors.New("unknown service")

// Entry describes how to build one service.
type Entry struct {
	ID          ServiceID
	Description string

	// Order specifies the startup order. Lower values start first.
	Order int

	// Required makes a construction failure abort startup. Optional
	// services that fail are replaced by an unavailable placeholder.
	Required bool

	Factory Factory
}

// Registry builds and owns the running services.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[ServiceID]Entry
	services map[ServiceID]Service
	running  []ServiceID
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		entries:  make(map[ServiceID]Entry),
		services: make(map[ServiceID]Service),
	}
}

// Register adds an entry. IDs must be unique.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		return fmt.Errorf("service id cannot be empty")
	}
	if e.Factory == nil {
		return fmt.Errorf("service %s: factory cannot be nil", e.ID)
	}
	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("service %s already registered", e.ID)
	}
	if e.Order == 0 {
		e.Order = DefaultOrder
	}

	r.entries[e.ID] = e
	r.logger.Debug("Service registered",
		zap.String("service", string(e.ID)),
		zap.Int("order", e.Order),
		zap.Bool("required", e.Required))
	return nil
}

// List returns all entries sorted by startup order, then ID.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Start constructs every enabled entry in order. A required entry that
// fails stops startup and closes whatever was already running.
func (r *Registry) Start(ctx context.Context, sc *Context) error {
	for _, e := range r.List() {
		if sc.Config != nil && !sc.Config.Enabled(string(e.ID)) {
			r.logger.Info("Service disabled by config", zap.String("service", string(e.ID)))
			continue
		}

		svc, err := e.Factory(ctx, sc)
		if err != nil {
			if e.Required {
				startErr := fmt.Errorf("failed to start required service %s: %w", e.ID, err)
				return multierr.Append(startErr, r.Close())
			}
			r.logger.Warn("Optional service unavailable",
				zap.String("service", string(e.ID)),
				zap.Error(err))
			svc = newUnavailable(e.ID, err)
		}

		r.mu.Lock()
		r.services[e.ID] = svc
		r.running = append(r.running, e.ID)
		r.mu.Unlock()

		r.logger.Info("Service started",
			zap.String("service", string(e.ID)),
			zap.Stringer("status", svc.Status()))
	}
	return nil
}

// Service returns a running service.
func (r *Registry) Service(id ServiceID) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownService, id)
	}
	return svc, nil
}

// Services returns the running services in startup order.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Service, 0, len(r.running))
	for _, id := range r.running {
		result = append(result, r.services[id])
	}
	return result
}

// Close stops all running services in reverse startup order.
func (r *Registry) Close() error {
	r.mu.Lock()
	running := r.running
	services := r.services
	r.running = nil
	r.services = make(map[ServiceID]Service)
	r.mu.Unlock()

	var err error
	for i := len(running) - 1; i >= 0; i-- {
		id := running[i]
		if closeErr := services[id].Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close %s: %w", id, closeErr))
		}
	}
	return err
}
