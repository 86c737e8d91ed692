package dbman

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"extapi/server/common/tenant"
)

type tenantRecord struct {
	TenantID                string            `json:"tenant_id"`
	Name                    string            `json:"name"`
	DeploymentMode          string            `json:"deployment_mode"`
	DedicatedDSN            string            `json:"dedicated_dsn"`
	DedicatedRedisAddr      string            `json:"dedicated_redis_addr"`
	DedicatedLavinMQURL     string            `json:"dedicated_lavinmq_url"`
	DedicatedMinIOEndpoint  string            `json:"dedicated_minio_endpoint"`
	DedicatedMinIOAccessKey string            `json:"dedicated_minio_access_key"`
	DedicatedMinIOSecretKey string            `json:"dedicated_minio_secret_key"`
	DedicatedMinIOBucket    string            `json:"dedicated_minio_bucket"`
	DedicatedMinIOUseSSL    bool              `json:"dedicated_minio_use_ssl"`
	ConnectionStrings       map[string]string `json:"connection_strings"`
	Settings                map[string]any    `json:"settings"`
	IsActive                bool              `json:"is_active"`
}

// TenantRegistry resolves tenants through the dbman tenant endpoints.
type TenantRegistry struct {
	client *Client
}

func NewTenantRegistry(endpoints ...string) *TenantRegistry {
	return &TenantRegistry{client: NewClientWithEndpoints(endpoints...)}
}

func (r *TenantRegistry) GetTenant(ctx context.Context, tenantID string) (tenant.Configuration, error) {
	var rec tenantRecord
	payload := map[string]any{"tenant_id": tenantID}
	if err := r.client.Post(ctx, BasePath+"/tenants/get", payload, &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return tenant.Configuration{}, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, tenantID)
		}
		return tenant.Configuration{}, err
	}
	if strings.TrimSpace(rec.TenantID) == "" {
		return tenant.Configuration{}, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, tenantID)
	}
	if !rec.IsActive {
		return tenant.Configuration{}, fmt.Errorf("%w: tenant %s is inactive", tenant.ErrTenantNotFound, tenantID)
	}
	return rec.toConfiguration(), nil
}

func (r *TenantRegistry) GetAllTenants(ctx context.Context) ([]tenant.Configuration, error) {
	var recs []tenantRecord
	if err := r.client.Post(ctx, BasePath+"/tenants/list", map[string]any{}, &recs); err != nil {
		return nil, err
	}
	items := make([]tenant.Configuration, 0, len(recs))
	for _, rec := range recs {
		if !rec.IsActive || strings.TrimSpace(rec.TenantID) == "" {
			continue
		}
		items = append(items, rec.toConfiguration())
	}
	return items, nil
}

func (rec tenantRecord) toConfiguration() tenant.Configuration {
	conns := map[string]string{}
	if strings.EqualFold(strings.TrimSpace(rec.DeploymentMode), "dedicated") {
		conns[tenant.ConnMessageBroker] = rec.DedicatedLavinMQURL
		conns[tenant.ConnDatabase] = rec.DedicatedDSN
		conns[tenant.ConnRedis] = rec.DedicatedRedisAddr
		conns[tenant.ConnStorage] = minioConnectionString(rec)
	}
	// Explicit connection strings win over the dedicated-mode columns.
	for k, v := range rec.ConnectionStrings {
		conns[k] = v
	}
	return tenant.NewConfiguration(rec.TenantID, rec.Name, tenant.Settings(rec.Settings), conns)
}

func minioConnectionString(rec tenantRecord) string {
	endpoint := strings.TrimSpace(rec.DedicatedMinIOEndpoint)
	bucket := strings.TrimSpace(rec.DedicatedMinIOBucket)
	if endpoint == "" || bucket == "" {
		return ""
	}
	u := url.URL{
		Scheme: "minio",
		User:   url.UserPassword(rec.DedicatedMinIOAccessKey, rec.DedicatedMinIOSecretKey),
		Host:   endpoint,
		Path:   "/" + bucket,
	}
	if rec.DedicatedMinIOUseSSL {
		u.RawQuery = "ssl=true"
	}
	return u.String()
}
