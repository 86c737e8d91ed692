package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extapi/server/common/infra/mq"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
	"extapi/server/scanman/repository"
)

func scanRequestFixture() (*fakePublisher, *fakeStatusStore, *ScanRequestService) {
	files := &fakeFileReader{files: map[string]domain.File{
		"f-1": {ID: "f-1", ApplicationID: "app-7", StoredPath: "applications/7", StoredFileName: "b8e1.pdf"},
	}}
	publisher, status := &fakePublisher{}, newFakeStatusStore()
	return publisher, status, NewScanRequestService(files, publisher, status)
}

func TestRequestScanPublishesAndMarksPending(t *testing.T) {
	publisher, status, svc := scanRequestFixture()
	ctx := tenant.WithTenant(context.Background(), acme)

	rec, err := svc.RequestScan(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusPending, rec.Status)

	require.Len(t, publisher.published, 1)
	got := publisher.published[0]
	assert.Equal(t, "acme", got.tenantID)
	assert.Equal(t, "app-7", got.props["ApplicationId"])
	evt, ok := got.event.(domain.ScanRequestedEvent)
	require.True(t, ok)
	assert.Equal(t, "applications/7/b8e1.pdf", evt.StoragePath)

	stored, err := svc.Status(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusPending, stored.Status)
	_, err = status.Get(ctx, "globex", "f-1")
	assert.ErrorIs(t, err, repository.ErrScanStatusNotFound)
}

func TestRequestScanRequiresTenant(t *testing.T) {
	publisher, _, svc := scanRequestFixture()

	_, err := svc.RequestScan(context.Background(), "f-1")
	assert.ErrorIs(t, err, mq.ErrNoTenantContext)
	assert.Empty(t, publisher.published)

	_, err = svc.Status(context.Background(), "f-1")
	assert.ErrorIs(t, err, mq.ErrNoTenantContext)
}

func TestRequestScanPropagatesPublishFailure(t *testing.T) {
	publisher, status, svc := scanRequestFixture()
	publisher.err = errors.New("broker unreachable")
	ctx := tenant.WithTenant(context.Background(), acme)

	_, err := svc.RequestScan(ctx, "f-1")
	assert.ErrorIs(t, err, ErrScanPublishFailed)
	assert.ErrorContains(t, err, "broker unreachable")
	_, err = status.Get(ctx, "acme", "f-1")
	assert.ErrorIs(t, err, repository.ErrScanStatusNotFound)
}

func TestRequestScanUnknownFile(t *testing.T) {
	publisher, _, svc := scanRequestFixture()

	_, err := svc.RequestScan(tenant.WithTenant(context.Background(), acme), "nope")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
	assert.Empty(t, publisher.published)
}
