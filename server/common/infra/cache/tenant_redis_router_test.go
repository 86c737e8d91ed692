package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extapi/server/common/tenant"
)

type staticRegistry map[string]tenant.Configuration

func (r staticRegistry) GetTenant(_ context.Context, id string) (tenant.Configuration, error) {
	cfg, ok := r[id]
	if !ok {
		return tenant.Configuration{}, tenant.ErrTenantNotFound
	}
	return cfg, nil
}

func (r staticRegistry) GetAllTenants(context.Context) ([]tenant.Configuration, error) {
	return nil, nil
}

func TestTenantRedisRouter(t *testing.T) {
	shared := NewClient("redis.internal:6379")
	defer shared.Close()
	registry := staticRegistry{
		"acme": tenant.NewConfiguration("acme", "Acme", nil, map[string]string{
			tenant.ConnRedis: "redis://:pw@cache.acme.internal:6380/2",
		}),
		"globex": tenant.NewConfiguration("globex", "Globex", nil, nil),
	}
	router := NewTenantRedisRouter(shared, registry)
	defer router.Close()

	acme, err := router.ClientForTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "cache.acme.internal:6380", acme.Options().Addr)
	assert.Equal(t, 2, acme.Options().DB)

	again, err := router.ClientForTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, acme, again)

	globex, err := router.ClientForTenant(context.Background(), "globex")
	require.NoError(t, err)
	assert.Same(t, shared, globex)

	_, err = router.ClientForTenant(context.Background(), "missing")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	router.InvalidateTenant("acme")
	fresh, err := router.ClientForTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotSame(t, acme, fresh)
}

func TestNewClientFromConnectionString(t *testing.T) {
	c, err := NewClientFromConnectionString("cache.acme.internal:6379")
	require.NoError(t, err)
	assert.Equal(t, "cache.acme.internal:6379", c.Options().Addr)

	_, err = NewClientFromConnectionString("redis://cache.acme.internal:6379/notadb")
	assert.Error(t, err)
}

func TestTenantRedisRouterWithoutShared(t *testing.T) {
	router := NewTenantRedisRouter(nil, staticRegistry{"globex": tenant.NewConfiguration("globex", "Globex", nil, nil)})
	_, err := router.ClientForTenant(context.Background(), "globex")
	assert.ErrorIs(t, err, ErrNoRedis)
}
