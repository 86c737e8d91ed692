package tenant

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Tenants []fileTenant `yaml:"tenants"`
}

type fileTenant struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	ConnectionStrings map[string]string `yaml:"connection_strings"`
	Settings          map[string]any    `yaml:"settings"`
}

// FileRegistry serves tenants from a YAML document. Used for local
// development and single-node deployments without dbman.
type FileRegistry struct {
	path    string
	mu      sync.RWMutex
	tenants map[string]Configuration
}

func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func NewFileRegistryFromBytes(raw []byte) (*FileRegistry, error) {
	tenants, err := parseTenants(raw)
	if err != nil {
		return nil, err
	}
	return &FileRegistry{tenants: tenants}, nil
}

func (r *FileRegistry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tenants file: %w", err)
	}
	tenants, err := parseTenants(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tenants = tenants
	r.mu.Unlock()
	return nil
}

func (r *FileRegistry) GetTenant(_ context.Context, tenantID string) (Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tenants[strings.TrimSpace(tenantID)]
	if !ok {
		return Configuration{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return cfg, nil
}

func (r *FileRegistry) GetAllTenants(_ context.Context) ([]Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Configuration, 0, len(r.tenants))
	for _, cfg := range r.tenants {
		items = append(items, cfg)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return items, nil
}

func parseTenants(raw []byte) (map[string]Configuration, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	tenants := make(map[string]Configuration, len(doc.Tenants))
	for i, t := range doc.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("parse tenants file: tenant #%d has no id", i)
		}
		if _, dup := tenants[id]; dup {
			return nil, fmt.Errorf("parse tenants file: duplicate tenant id %q", id)
		}
		tenants[id] = NewConfiguration(id, t.Name, Settings(t.Settings), t.ConnectionStrings)
	}
	return tenants, nil
}
