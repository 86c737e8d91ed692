package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"extapi/server/common/infra/mq"
	commonlog "extapi/server/common/log"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
)

var ErrScanPublishFailed = errors.New("publish scan request")

// ScanRequestService asks the external scanner to check a stored file and
// answers status queries.
type ScanRequestService struct {
	files     FileReader
	publisher EventPublisher
	status    StatusStore
}

func NewScanRequestService(files FileReader, publisher EventPublisher, status StatusStore) *ScanRequestService {
	return &ScanRequestService{files: files, publisher: publisher, status: status}
}

// RequestScan publishes a ScanRequestedEvent for the file on the broker of
// the tenant carried by ctx. Publish failures are returned to the caller.
func (s *ScanRequestService) RequestScan(ctx context.Context, fileID string) (domain.ScanStatusRecord, error) {
	cfg, ok := tenant.FromContext(ctx)
	if !ok {
		return domain.ScanStatusRecord{}, mq.ErrNoTenantContext
	}
	file, err := s.files.FindFile(ctx, cfg.ID(), fileID)
	if err != nil {
		return domain.ScanStatusRecord{}, err
	}

	now := time.Now().UTC()
	evt := domain.ScanRequestedEvent{
		FileID:        file.ID,
		ApplicationID: file.ApplicationID,
		StoragePath:   file.StoragePath(),
		RequestedAt:   now,
	}
	if err := s.publisher.Publish(ctx, evt, map[string]string{"ApplicationId": file.ApplicationID}); err != nil {
		return domain.ScanStatusRecord{}, fmt.Errorf("%w: %w", ErrScanPublishFailed, err)
	}

	rec := domain.ScanStatusRecord{FileID: file.ID, Status: domain.ScanStatusPending, UpdatedAt: now}
	if err := s.status.Set(ctx, cfg.ID(), rec); err != nil {
		commonlog.Warnf("event=scan_request action=set_status status=failed tenant_id=%s file_id=%s error=%v", cfg.ID(), file.ID, err)
	}
	commonlog.Infof("event=scan_request status=published tenant_id=%s file_id=%s application_id=%s", cfg.ID(), file.ID, file.ApplicationID)
	return rec, nil
}

func (s *ScanRequestService) Status(ctx context.Context, fileID string) (domain.ScanStatusRecord, error) {
	cfg, ok := tenant.FromContext(ctx)
	if !ok {
		return domain.ScanStatusRecord{}, mq.ErrNoTenantContext
	}
	return s.status.Get(ctx, cfg.ID(), fileID)
}
