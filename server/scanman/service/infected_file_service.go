package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
)

// InfectedFileService removes a file that a scan reported as infected. It
// runs on behalf of the scanning pipeline, not an end user, so no caller
// permissions are checked.
type InfectedFileService struct {
	files   FileStore
	storage ObjectStorage
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewInfectedFileService(files FileStore, storage ObjectStorage, m *metrics.Metrics) *InfectedFileService {
	return &InfectedFileService{files: files, storage: storage, metrics: m, now: time.Now}
}

// Handle deletes the stored content and the file record. A storage failure
// is logged and the record is still removed. It reports (false,
// domain.ErrFileNotFound) when the file does not exist and wraps any other
// failure, including panics, in the returned error.
func (s *InfectedFileService) Handle(ctx context.Context, cfg tenant.Configuration, fileID string) (removed bool, err error) {
	tenantID := cfg.ID()
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=infected_file_remove status=panic tenant_id=%s file_id=%s panic=%v", tenantID, fileID, r)
			removed, err = false, fmt.Errorf("remove infected file %s: %v", fileID, r)
		}
		s.metrics.ObserveInfectedRemoval(tenantID, removalStatus(removed, err))
	}()

	uow, err := s.files.Begin(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("remove infected file %s: %w", fileID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = uow.Rollback(context.WithoutCancel(ctx))
		}
	}()

	file, err := uow.FindFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			commonlog.Warnf("event=infected_file_remove status=not_found tenant_id=%s file_id=%s", tenantID, fileID)
			return false, domain.ErrFileNotFound
		}
		return false, fmt.Errorf("remove infected file %s: %w", fileID, err)
	}

	storagePath := file.StoragePath()
	if err := s.storage.Delete(ctx, tenantID, storagePath); err != nil {
		// An orphaned object is preferable to a reachable infected record.
		commonlog.Errorf("event=infected_file_remove action=delete_content status=failed tenant_id=%s file_id=%s path=%s error=%v", tenantID, fileID, storagePath, err)
	}

	file.MarkDeleted(domain.DeleteReasonInfected, s.now())
	if err := uow.Remove(ctx, &file); err != nil {
		return false, fmt.Errorf("remove infected file %s: %w", fileID, err)
	}
	if err := uow.Commit(ctx); err != nil {
		return false, fmt.Errorf("remove infected file %s: %w", fileID, err)
	}
	committed = true

	commonlog.Infof("event=infected_file_remove status=ok tenant_id=%s file_id=%s application_id=%s path=%s", tenantID, fileID, file.ApplicationID, storagePath)
	return true, nil
}

func removalStatus(removed bool, err error) string {
	switch {
	case removed:
		return "removed"
	case errors.Is(err, domain.ErrFileNotFound):
		return "not_found"
	default:
		return "failed"
	}
}
