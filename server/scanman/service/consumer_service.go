package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"extapi/server/common/infra/mq"
	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
)

const DefaultSubscriptionName = "extapi"

// SubscriptionSettingKey is the tenant setting overriding the subscription
// name.
var SubscriptionSettingKey = tenant.ConnMessageBroker + ":SubscriptionName"

type TenantState string

const (
	TenantSkipped  TenantState = "skipped"
	TenantStarting TenantState = "starting"
	TenantRunning  TenantState = "running"
	TenantTimedOut TenantState = "timed_out"
	TenantFailed   TenantState = "failed"
	TenantStopped  TenantState = "stopped"
)

// InstanceFilter decides whether a delivery belongs to this running
// instance. Returning an error that wraps mq.ErrInstanceMismatch hands the
// message back for another instance.
type InstanceFilter func(ctx context.Context, cfg tenant.Configuration, msg mq.Message) error

type ConsumerConfig struct {
	StartTimeout        time.Duration
	Parallelism         int
	RetryPolicy         mq.RetryPolicy
	DefaultSubscription string
	InstanceFilter      InstanceFilter
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StartTimeout:        30 * time.Second,
		Parallelism:         8,
		RetryPolicy:         mq.DefaultRetryPolicy(),
		DefaultSubscription: DefaultSubscriptionName,
	}
}

// ConsumerService runs one scan-result subscription per tenant for the life
// of the process. A tenant that cannot be started is skipped without
// affecting the others.
type ConsumerService struct {
	registry    tenant.Registry
	factory     mq.ConnectionFactory
	newConsumer ScanResultHandlerFactory
	cfg         ConsumerConfig
	metrics     *metrics.Metrics

	mu      sync.Mutex
	states  map[string]TenantState
	running map[string]mq.Connection
	started bool
	stopped bool
	ready   atomic.Bool
	pending sync.WaitGroup
}

func NewConsumerService(registry tenant.Registry, factory mq.ConnectionFactory, newConsumer ScanResultHandlerFactory, cfg ConsumerConfig, m *metrics.Metrics) *ConsumerService {
	defaults := DefaultConsumerConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaults.StartTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaults.Parallelism
	}
	if cfg.DefaultSubscription == "" {
		cfg.DefaultSubscription = defaults.DefaultSubscription
	}
	return &ConsumerService{
		registry:    registry,
		factory:     factory,
		newConsumer: newConsumer,
		cfg:         cfg,
		metrics:     m,
		states:      map[string]TenantState{},
		running:     map[string]mq.Connection{},
	}
}

// Start brings up every eligible tenant and returns once each one is running
// or has been given up on. Only a failure to list tenants is returned.
func (s *ConsumerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return mq.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	startedAt := time.Now()
	tenants, err := s.registry.GetAllTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for _, cfg := range tenants {
		g.Go(func() error {
			s.startTenant(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	counts := s.stateCounts()
	s.metrics.SetConsumerTenants(counts)
	s.metrics.ObserveConsumerStartup(time.Since(startedAt).Seconds())
	s.ready.Store(true)
	commonlog.Infof("event=consumer_startup status=done tenants=%d running=%d skipped=%d timed_out=%d failed=%d elapsed_ms=%d",
		len(tenants), counts[string(TenantRunning)], counts[string(TenantSkipped)], counts[string(TenantTimedOut)], counts[string(TenantFailed)], time.Since(startedAt).Milliseconds())
	return nil
}

func (s *ConsumerService) startTenant(ctx context.Context, cfg tenant.Configuration) {
	tenantID := cfg.ID()
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=consumer_start status=panic tenant_id=%s panic=%v", tenantID, r)
			s.setState(tenantID, TenantFailed)
		}
	}()

	connStr := cfg.ConnectionString(tenant.ConnMessageBroker)
	if !mq.IsUsableConnectionString(connStr) {
		reason := "missing_connection_string"
		if connStr != "" {
			reason = "placeholder_connection_string"
		}
		commonlog.Infof("event=consumer_start status=skipped tenant_id=%s reason=%s", tenantID, reason)
		s.setState(tenantID, TenantSkipped)
		return
	}

	s.setState(tenantID, TenantStarting)
	subscription := cfg.Settings().String(SubscriptionSettingKey, s.cfg.DefaultSubscription)

	conn, err := s.factory.NewConnection(tenantID, connStr)
	if err != nil {
		commonlog.Errorf("event=consumer_start status=failed tenant_id=%s error=%v", tenantID, err)
		s.setState(tenantID, TenantFailed)
		return
	}
	if err := conn.Bind(mq.Endpoint{
		Topic:        domain.TopicScanCompleted,
		Subscription: subscription,
		Handler:      s.deliveryHandler(cfg),
	}); err != nil {
		commonlog.Errorf("event=consumer_start status=failed tenant_id=%s error=%v", tenantID, err)
		s.setState(tenantID, TenantFailed)
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- conn.Start(startCtx) }()

	select {
	case err = <-done:
		if err != nil {
			_ = conn.Stop(context.WithoutCancel(ctx))
		}
	case <-startCtx.Done():
		err = startCtx.Err()
		s.abandon(tenantID, conn, done)
	}
	if err != nil {
		state := TenantFailed
		if errors.Is(err, context.DeadlineExceeded) {
			state = TenantTimedOut
		}
		commonlog.Errorf("event=consumer_start status=%s tenant_id=%s subscription=%s error=%v", state, tenantID, subscription, err)
		s.setState(tenantID, state)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Stop(context.WithoutCancel(ctx))
		return
	}
	s.running[tenantID] = conn
	s.states[tenantID] = TenantRunning
	s.mu.Unlock()
	commonlog.Infof("event=consumer_start status=running tenant_id=%s subscription=%s topic=%s", tenantID, subscription, domain.TopicScanCompleted)
}

// abandon stops a connection whose start outlived its timeout once the
// start call returns. Stop errors are ignored.
func (s *ConsumerService) abandon(tenantID string, conn mq.Connection, done <-chan error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartTimeout)
		defer cancel()
		if err := conn.Stop(ctx); err != nil {
			commonlog.Debugf("event=consumer_start action=abandon status=stop_failed tenant_id=%s error=%v", tenantID, err)
		}
	}()
}

func (s *ConsumerService) deliveryHandler(cfg tenant.Configuration) mq.DeliveryHandler {
	return func(ctx context.Context, msg mq.Message) error {
		startedAt := time.Now()
		err := s.cfg.RetryPolicy.Execute(ctx, func(ctx context.Context) error {
			return s.deliver(ctx, cfg, msg)
		})
		outcome := mq.Classify(err)
		s.metrics.ObserveDelivery(cfg.ID(), outcome.String(), time.Since(startedAt).Seconds())
		if outcome == mq.OutcomeFailure {
			commonlog.Errorf("event=scan_result status=failed tenant_id=%s message_id=%s error=%v", cfg.ID(), msg.ID, err)
		}
		return err
	}
}

// deliver runs one attempt in a fresh scope carrying the supervised
// tenant.
func (s *ConsumerService) deliver(ctx context.Context, cfg tenant.Configuration, msg mq.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=scan_result status=panic tenant_id=%s message_id=%s panic=%v", cfg.ID(), msg.ID, r)
			err = fmt.Errorf("scan result %s: %v", msg.ID, r)
		}
	}()

	if s.cfg.InstanceFilter != nil {
		if err := s.cfg.InstanceFilter(ctx, cfg, msg); err != nil {
			return err
		}
	}

	var evt domain.ScanResultEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode scan result %s: %w", msg.ID, err)
	}
	if evt.FileID == "" {
		return fmt.Errorf("scan result %s has no file id", msg.ID)
	}

	scoped := tenant.WithTenant(ctx, cfg)
	return s.newConsumer(cfg).Consume(scoped, evt)
}

// Stop stops every running tenant connection. A failure for one tenant does
// not prevent the others from being stopped. Later calls are no-ops.
func (s *ConsumerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	running := s.running
	s.running = map[string]mq.Connection{}
	s.mu.Unlock()

	var errs []error
	for tenantID, conn := range running {
		if err := conn.Stop(ctx); err != nil {
			commonlog.Errorf("event=consumer_stop status=failed tenant_id=%s error=%v", tenantID, err)
			errs = append(errs, fmt.Errorf("stop tenant %s: %w", tenantID, err))
		} else {
			commonlog.Infof("event=consumer_stop status=stopped tenant_id=%s", tenantID)
		}
		s.setState(tenantID, TenantStopped)
	}
	if err := waitContext(ctx, &s.pending); err != nil {
		errs = append(errs, err)
	}
	s.ready.Store(false)
	s.metrics.SetConsumerTenants(s.stateCounts())
	return errors.Join(errs...)
}

// Ready reports whether startup has finished and the service is not
// stopped.
func (s *ConsumerService) Ready() bool {
	return s.ready.Load()
}

func (s *ConsumerService) States() map[string]TenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TenantState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// RunningTenants returns the ids of tenants with an active subscription in
// sorted order.
func (s *ConsumerService) RunningTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *ConsumerService) setState(tenantID string, state TenantState) {
	s.mu.Lock()
	s.states[tenantID] = state
	s.mu.Unlock()
}

func (s *ConsumerService) stateCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, state := range s.states {
		counts[string(state)]++
	}
	return counts
}

func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
