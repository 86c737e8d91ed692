package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"extapi/server/common/infra/mq"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
	"extapi/server/scanman/repository"
)

type fakeUnitOfWork struct {
	files      map[string]domain.File
	findErr    error
	removeErr  error
	commitErr  error
	removed    []domain.File
	committed  bool
	rolledBack bool
}

func (u *fakeUnitOfWork) FindFile(_ context.Context, fileID string) (domain.File, error) {
	if u.findErr != nil {
		return domain.File{}, u.findErr
	}
	f, ok := u.files[fileID]
	if !ok {
		return domain.File{}, domain.ErrFileNotFound
	}
	return f, nil
}

func (u *fakeUnitOfWork) Remove(_ context.Context, file *domain.File) error {
	if u.removeErr != nil {
		return u.removeErr
	}
	u.removed = append(u.removed, *file)
	return nil
}

func (u *fakeUnitOfWork) Commit(context.Context) error {
	if u.commitErr != nil {
		return u.commitErr
	}
	u.committed = true
	return nil
}

func (u *fakeUnitOfWork) Rollback(context.Context) error {
	u.rolledBack = true
	return nil
}

type fakeFileStore struct {
	uow      *fakeUnitOfWork
	beginErr error
}

func (s *fakeFileStore) Begin(context.Context, string) (repository.FileUnitOfWork, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.uow, nil
}

type fakeFileReader struct {
	files      map[string]domain.File
	thumbnails map[string]string
}

func (r *fakeFileReader) FindFile(_ context.Context, _ string, fileID string) (domain.File, error) {
	f, ok := r.files[fileID]
	if !ok {
		return domain.File{}, domain.ErrFileNotFound
	}
	return f, nil
}

func (r *fakeFileReader) SetThumbnail(_ context.Context, _ string, fileID, thumbnailPath string) error {
	if r.thumbnails == nil {
		r.thumbnails = map[string]string{}
	}
	r.thumbnails[fileID] = thumbnailPath
	return nil
}

type fakeStorage struct {
	deleteErr   error
	deletePanic bool
	thumbErr    error
	deleted     []string
	thumbnailed []string
}

func (s *fakeStorage) Delete(_ context.Context, _ string, objectPath string) error {
	if s.deletePanic {
		panic("storage driver crashed")
	}
	s.deleted = append(s.deleted, objectPath)
	return s.deleteErr
}

func (s *fakeStorage) Thumbnail(_ context.Context, _ string, objectPath string) (string, error) {
	if s.thumbErr != nil {
		return "", s.thumbErr
	}
	s.thumbnailed = append(s.thumbnailed, objectPath)
	return "thumbs/" + objectPath, nil
}

type fakeStatusStore struct {
	mu      sync.Mutex
	records map[string]domain.ScanStatusRecord
	setErr  error
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{records: map[string]domain.ScanStatusRecord{}}
}

func (s *fakeStatusStore) Set(_ context.Context, tenantID string, rec domain.ScanStatusRecord) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tenantID+"/"+rec.FileID] = rec
	return nil
}

func (s *fakeStatusStore) Get(_ context.Context, tenantID, fileID string) (domain.ScanStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tenantID+"/"+fileID]
	if !ok {
		return domain.ScanStatusRecord{}, repository.ErrScanStatusNotFound
	}
	return rec, nil
}

type publishedEvent struct {
	tenantID string
	event    mq.Event
	props    map[string]string
}

type fakePublisher struct {
	err       error
	published []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event mq.Event, props map[string]string) error {
	if p.err != nil {
		return p.err
	}
	cfg, _ := tenant.FromContext(ctx)
	p.published = append(p.published, publishedEvent{tenantID: cfg.ID(), event: event, props: props})
	return nil
}

type staticRegistry struct {
	tenants []tenant.Configuration
	listErr error
}

func (r *staticRegistry) GetTenant(_ context.Context, tenantID string) (tenant.Configuration, error) {
	for _, cfg := range r.tenants {
		if cfg.ID() == tenantID {
			return cfg, nil
		}
	}
	return tenant.Configuration{}, tenant.ErrTenantNotFound
}

func (r *staticRegistry) GetAllTenants(context.Context) ([]tenant.Configuration, error) {
	return r.tenants, r.listErr
}

// stubConnection is a broker connection whose start and stop behaviour is
// scripted per tenant.
type stubConnection struct {
	tenantID       string
	startErr       error
	stopErr        error
	blockUntilDone bool

	mu        sync.Mutex
	state     mq.State
	endpoints []mq.Endpoint
	stops     int
}

func (c *stubConnection) TenantID() string { return c.tenantID }

func (c *stubConnection) State() mq.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubConnection) Bind(ep mq.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints = append(c.endpoints, ep)
	return nil
}

func (c *stubConnection) Start(ctx context.Context) error {
	if c.blockUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.state = mq.StateStarted
	c.mu.Unlock()
	return nil
}

func (c *stubConnection) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.state = mq.StateStopped
	return c.stopErr
}

func (c *stubConnection) Publish(context.Context, mq.Message) error { return nil }

func (c *stubConnection) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type stubFactory struct {
	mu      sync.Mutex
	script  map[string]*stubConnection
	created map[string]*stubConnection
}

func (f *stubFactory) NewConnection(tenantID, connectionString string) (mq.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = map[string]*stubConnection{}
	}
	conn, ok := f.script[tenantID]
	if !ok {
		conn = &stubConnection{}
	}
	conn.tenantID = tenantID
	f.created[tenantID] = conn
	if connectionString == "" {
		return nil, errors.New("empty connection string")
	}
	return conn, nil
}

func (f *stubFactory) Created(tenantID string) (*stubConnection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.created[tenantID]
	return conn, ok
}

// memoryFactory serves every tenant from the in-memory transport so
// deliveries can be driven without a broker.
type memoryFactory struct {
	inner *mq.TransportFactory
}

func (f *memoryFactory) NewConnection(tenantID, _ string) (mq.Connection, error) {
	return f.inner.NewConnection(tenantID, "")
}

func brokerTenant(id, connStr string, settings tenant.Settings) tenant.Configuration {
	conns := map[string]string{}
	if connStr != "" {
		conns[tenant.ConnMessageBroker] = connStr
	}
	return tenant.NewConfiguration(id, fmt.Sprintf("Tenant %s", id), settings, conns)
}

func fastConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StartTimeout: 2 * time.Second,
		Parallelism:  4,
		RetryPolicy:  mq.RetryPolicy{ImmediateRetries: 10, IntervalRetries: 3, Interval: time.Millisecond},
	}
}
