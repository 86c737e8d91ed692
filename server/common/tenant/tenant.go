package tenant

import (
	"context"
	"errors"
	"strings"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Well-known connection string names.
const (
	ConnMessageBroker = "MessageBroker"
	ConnDatabase      = "Database"
	ConnRedis         = "Redis"
	ConnStorage       = "Storage"
)

// Registry resolves tenant configuration. Implementations must return
// ErrTenantNotFound (possibly wrapped) for unknown ids.
type Registry interface {
	GetTenant(ctx context.Context, tenantID string) (Configuration, error)
	GetAllTenants(ctx context.Context) ([]Configuration, error)
}

// Configuration is an immutable view of one tenant. Use NewConfiguration to
// build one; the zero value has no id.
type Configuration struct {
	id                string
	name              string
	settings          Settings
	connectionStrings map[string]string
}

func NewConfiguration(id, name string, settings Settings, connectionStrings map[string]string) Configuration {
	conns := make(map[string]string, len(connectionStrings))
	for k, v := range connectionStrings {
		conns[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return Configuration{
		id:                strings.TrimSpace(id),
		name:              strings.TrimSpace(name),
		settings:          settings.clone(),
		connectionStrings: conns,
	}
}

func (c Configuration) ID() string {
	return c.id
}

func (c Configuration) Name() string {
	return c.name
}

// Settings returns a copy of the tenant settings; changes to it are not seen
// by other holders of the configuration.
func (c Configuration) Settings() Settings {
	return c.settings.clone()
}

// ConnectionString returns the named connection string, or "" when unset.
// Names are case-insensitive.
func (c Configuration) ConnectionString(name string) string {
	return c.connectionStrings[strings.ToLower(strings.TrimSpace(name))]
}

func (c Configuration) IsZero() bool {
	return c.id == ""
}

type contextKey struct{}

// WithTenant returns a copy of ctx carrying cfg as the current tenant.
func WithTenant(ctx context.Context, cfg Configuration) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the current tenant set by WithTenant.
func FromContext(ctx context.Context) (Configuration, bool) {
	cfg, ok := ctx.Value(contextKey{}).(Configuration)
	if !ok || cfg.IsZero() {
		return Configuration{}, false
	}
	return cfg, true
}
