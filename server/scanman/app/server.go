package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"

	commonauth "extapi/server/common/auth"
	"extapi/server/common/infra/cache"
	"extapi/server/common/infra/db"
	"extapi/server/common/infra/dbman"
	"extapi/server/common/infra/mq"
	"extapi/server/common/infra/object"
	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/common/tenant"
	scanapi "extapi/server/scanman/api"
	"extapi/server/scanman/domain"
	"extapi/server/scanman/repository"
	"extapi/server/scanman/service"
)

type Server struct {
	HTTPServer *http.Server

	consumers   *service.ConsumerService
	connections *mq.ConnectionCache
	feed        *service.StatusFeed
	dbRouter    *db.TenantDBRouter
	redisRouter *cache.TenantRedisRouter
	sharedPool  *pgxpool.Pool
	sharedRedis *redis.Client

	starting sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	var sharedPool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		sharedPool, err = db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
	}
	var sharedRedis *redis.Client
	if cfg.RedisAddr != "" {
		sharedRedis, err = cache.NewClientFromConnectionString(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("initialize redis: %w", err)
		}
		if err := cache.Ping(ctx, sharedRedis); err != nil {
			commonlog.Warnf("event=startup action=redis_ping status=failed addr=%s error=%v", cfg.RedisAddr, err)
		}
	}
	var minioClient *minio.Client
	if cfg.MinioEndpoint != "" {
		minioClient, err = object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
			return nil, fmt.Errorf("ensure minio bucket: %w", err)
		}
	}

	dbRouter := db.NewTenantDBRouter(sharedPool, registry)
	redisRouter := cache.NewTenantRedisRouter(sharedRedis, registry)
	minioRouter := object.NewTenantMinIORouter(minioClient, cfg.MinioBucket, registry)
	storage := object.NewStorage(minioRouter)

	statusStore := repository.NewScanStatusStore(redisRouter, cfg.ScanStatusTTL)
	dispatcher := domain.NewDispatcher(service.LogObserver(), service.MetricsObserver(m), service.StatusObserver(statusStore))
	files := repository.NewFileRepository(dbRouter, dispatcher)

	// Publishing declares topology; consumers only attach to it.
	topology := mq.NewTopology(domain.MessageTopics())
	hub := mq.NewMemoryHub()
	connections := mq.NewConnectionCache(registry, &mq.TransportFactory{Topology: topology, Hub: hub, CreateTopology: true}, m)
	publisher := mq.NewPublisher(connections, m)

	infected := service.NewInfectedFileService(files, storage, m)
	clean := service.NewCleanFileService(files, storage)
	consumerCfg := service.DefaultConsumerConfig()
	consumerCfg.StartTimeout = cfg.ConsumerStartTimeout
	consumerCfg.Parallelism = cfg.ConsumerStartParallelism
	consumers := service.NewConsumerService(
		registry,
		&mq.TransportFactory{Topology: topology, Hub: hub},
		service.NewScanResultHandlerFactory(infected, clean, statusStore),
		consumerCfg,
		m,
	)

	scans := service.NewScanRequestService(files, publisher, statusStore)
	tenantSvc := service.NewTenantService(connections, dbRouter, redisRouter, minioRouter)
	feed := service.NewStatusFeed(statusStore)
	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := scanapi.NewHandler(scans, tenantSvc, consumers, feed, registry, authSvc, m.Handler(), cfg.InternalKeyHash)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer:  httpServer,
		consumers:   consumers,
		connections: connections,
		feed:        feed,
		dbRouter:    dbRouter,
		redisRouter: redisRouter,
		sharedPool:  sharedPool,
		sharedRedis: sharedRedis,
	}, nil
}

func newRegistry(cfg Config) (tenant.Registry, error) {
	if path := strings.TrimSpace(cfg.TenantsFile); path != "" {
		registry, err := tenant.NewFileRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("load tenants file: %w", err)
		}
		return registry, nil
	}
	return dbman.NewTenantRegistry(cfg.DBManEndpoints...), nil
}

// StartConsumers brings up the per-tenant subscriptions in the background so
// the HTTP surface is available while slow tenants are still connecting.
func (s *Server) StartConsumers(ctx context.Context) {
	s.starting.Add(1)
	go func() {
		defer s.starting.Done()
		if err := s.consumers.Start(ctx); err != nil {
			commonlog.Errorf("event=consumer_startup status=failed error=%v", err)
		}
	}()
}

// Shutdown stops HTTP intake first, then the consumers, then the cached
// publishing connections and per-tenant clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	s.feed.Close()
	if err := waitStarted(ctx, &s.starting); err != nil {
		errs = append(errs, fmt.Errorf("wait consumer startup: %w", err))
	}
	if err := s.consumers.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumers: %w", err))
	}
	if err := s.connections.DisposeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispose broker connections: %w", err))
	}
	s.dbRouter.Close()
	s.redisRouter.Close()
	if s.sharedPool != nil {
		s.sharedPool.Close()
	}
	if s.sharedRedis != nil {
		if err := s.sharedRedis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func waitStarted(ctx context.Context, wg *sync.WaitGroup) error {
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
