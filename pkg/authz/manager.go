package authz

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// PermissionSource loads the permissions a user holds through its roles
type PermissionSource interface {
	// PermissionsForUser returns every permission with the given slug
	// reachable from the user's roles, in a stable order.
	PermissionsForUser(ctx context.Context, userID int64, slug string) ([]Permission, error)
}

// Call is what a callback sees for one permission under evaluation
type Call struct {
	User *User
	Slug string
	// Args are the permission's template resolved against Params.
	Args []interface{}
	// Params is the data supplied to CheckAccess.
	Params map[string]interface{}
}

// Arg returns Args[i] or nil when out of range
func (c Call) Arg(i int) interface{} {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Callback decides whether a permission applies to a call
type Callback func(ctx context.Context, call Call) bool

// Config configures a Manager
type Config struct {
	// MasterUserID bypasses every check. Zero selects DefaultMasterUserID.
	MasterUserID int64
	// Debug enables decision tracing on Logger.
	Debug   bool
	Logger  logrus.FieldLogger
	Metrics *observability.Metrics
}

// Decision reasons reported to metrics and traces
const (
	ReasonGuest        = "guest"
	ReasonMaster       = "master"
	ReasonNoPermission = "no_permission"
	ReasonSourceError  = "source_error"
	ReasonGranted      = "granted"
	ReasonDenied       = "denied"
)

// Manager evaluates access checks against registered callbacks
type Manager struct {
	source   PermissionSource
	masterID int64
	debug    bool
	log      logrus.FieldLogger
	metrics  *observability.Metrics

	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewManager creates a manager with an empty callback table
func NewManager(source PermissionSource, cfg Config) *Manager {
	if cfg.MasterUserID == 0 {
		cfg.MasterUserID = DefaultMasterUserID
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	return &Manager{
		source:    source,
		masterID:  cfg.MasterUserID,
		debug:     cfg.Debug,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		callbacks: make(map[string]Callback),
	}
}

// MasterUserID returns the reserved id that bypasses checks
func (m *Manager) MasterUserID() int64 { return m.masterID }

// AddCallback registers fn under name. Registering the same name again
// replaces the previous callback.
func (m *Manager) AddCallback(name string, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[name] = fn
}

// Callbacks returns a copy of the callback table
func (m *Manager) Callbacks() map[string]Callback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Callback, len(m.callbacks))
	for name, fn := range m.callbacks {
		out[name] = fn
	}
	return out
}

// CallbackNames returns the registered names, sorted
func (m *Manager) CallbackNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.callbacks))
	for name := range m.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) callback(name string) (Callback, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.callbacks[name]
	return fn, ok
}

// CheckAccess reports whether user may act on slug given params. A nil
// user is a guest and is always denied. Errors from the permission
// source deny access.
func (m *Manager) CheckAccess(ctx context.Context, user *User, slug string, params map[string]interface{}) bool {
	allowed, reason := m.decide(ctx, user, slug, params)
	m.metrics.RecordAuthzDecision(allowed, reason)
	return allowed
}

func (m *Manager) decide(ctx context.Context, user *User, slug string, params map[string]interface{}) (bool, string) {
	if user == nil {
		m.trace(logrus.Fields{"slug": slug}, "user is not logged in, access denied")
		return false, ReasonGuest
	}

	log := logrus.Fields{"user_id": user.ID, "slug": slug}
	m.trace(log, "checking authorization")

	if user.ID == m.masterID {
		m.trace(log, "user is the master account, access granted")
		return true, ReasonMaster
	}

	permissions, err := m.source.PermissionsForUser(ctx, user.ID, slug)
	if err != nil {
		m.log.WithFields(log).WithError(err).Warn("failed to load permissions, access denied")
		return false, ReasonSourceError
	}
	if len(permissions) == 0 {
		m.trace(log, "no matching permissions, access denied")
		return false, ReasonNoPermission
	}

	for _, p := range permissions {
		fields := logrus.Fields{"user_id": user.ID, "slug": slug, "permission_id": p.ID, "callback": p.Callback}

		if p.Invalid != nil {
			m.log.WithFields(fields).WithError(p.Invalid).Warn("stored parameter template is invalid, skipping permission")
			continue
		}

		args, err := p.Parameters.Resolve(params)
		if err != nil {
			var missing *ParameterResolutionError
			if errors.As(err, &missing) {
				fields["parameter"] = missing.Name
			}
			m.trace(fields, "parameters could not be resolved, skipping permission")
			continue
		}

		fn, ok := m.callback(p.Callback)
		if !ok {
			m.trace(fields, "callback is not registered, skipping permission")
			continue
		}

		if fn(ctx, Call{User: user, Slug: slug, Args: args, Params: params}) {
			m.trace(fields, "callback accepted, access granted")
			return true, ReasonGranted
		}
		m.trace(fields, "callback rejected")
	}

	m.trace(log, "no permission applied, access denied")
	return false, ReasonDenied
}

func (m *Manager) trace(fields logrus.Fields, msg string) {
	if !m.debug {
		return
	}
	m.log.WithFields(fields).Debug(msg)
}
