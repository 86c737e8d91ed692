package service

import (
	"context"
	"errors"
	"time"

	"extapi/server/common/infra/object"
	commonlog "extapi/server/common/log"
	"extapi/server/common/tenant"
	"extapi/server/scanman/domain"
)

// ScanResultHandler processes one decoded scan result inside a tenant scope.
type ScanResultHandler interface {
	Consume(ctx context.Context, evt domain.ScanResultEvent) error
}

// ScanResultHandlerFactory builds the handler for a single delivery.
type ScanResultHandlerFactory func(cfg tenant.Configuration) ScanResultHandler

type InfectedFileHandler interface {
	Handle(ctx context.Context, cfg tenant.Configuration, fileID string) (bool, error)
}

type CleanFileHandler interface {
	Process(ctx context.Context, cfg tenant.Configuration, fileID string) error
}

// ScanResultConsumer routes a result to removal or clean-file processing
// and records the resulting status.
type ScanResultConsumer struct {
	tenant   tenant.Configuration
	infected InfectedFileHandler
	clean    CleanFileHandler
	status   StatusStore
}

func NewScanResultHandlerFactory(infected InfectedFileHandler, clean CleanFileHandler, status StatusStore) ScanResultHandlerFactory {
	return func(cfg tenant.Configuration) ScanResultHandler {
		return &ScanResultConsumer{tenant: cfg, infected: infected, clean: clean, status: status}
	}
}

func (c *ScanResultConsumer) Consume(ctx context.Context, evt domain.ScanResultEvent) error {
	tenantID := c.tenant.ID()
	if !evt.Infected {
		c.setStatus(ctx, domain.ScanStatusRecord{FileID: evt.FileID, Status: domain.ScanStatusClean})
		if c.clean != nil {
			if err := c.clean.Process(ctx, c.tenant, evt.FileID); err != nil {
				commonlog.Warnf("event=scan_result action=post_process status=failed tenant_id=%s file_id=%s error=%v", tenantID, evt.FileID, err)
			}
		}
		return nil
	}

	c.setStatus(ctx, domain.ScanStatusRecord{FileID: evt.FileID, Status: domain.ScanStatusInfected, Signature: evt.Signature})
	if _, err := c.infected.Handle(ctx, c.tenant, evt.FileID); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			// Already gone; redelivery cannot change that.
			return nil
		}
		return err
	}
	return nil
}

func (c *ScanResultConsumer) setStatus(ctx context.Context, rec domain.ScanStatusRecord) {
	if c.status == nil {
		return
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := c.status.Set(ctx, c.tenant.ID(), rec); err != nil {
		commonlog.Warnf("event=scan_status action=set status=failed tenant_id=%s file_id=%s scan_status=%s error=%v", c.tenant.ID(), rec.FileID, rec.Status, err)
	}
}

// CleanFileService renders thumbnails for image files that scanned clean.
type CleanFileService struct {
	files   FileReader
	storage ObjectStorage
}

func NewCleanFileService(files FileReader, storage ObjectStorage) *CleanFileService {
	return &CleanFileService{files: files, storage: storage}
}

func (s *CleanFileService) Process(ctx context.Context, cfg tenant.Configuration, fileID string) error {
	file, err := s.files.FindFile(ctx, cfg.ID(), fileID)
	if err != nil {
		return err
	}
	if file.ThumbnailPath != "" || !object.IsImagePath(file.StoragePath()) {
		return nil
	}
	thumbPath, err := s.storage.Thumbnail(ctx, cfg.ID(), file.StoragePath())
	if err != nil {
		return err
	}
	if err := s.files.SetThumbnail(ctx, cfg.ID(), fileID, thumbPath); err != nil {
		return err
	}
	commonlog.Infof("event=scan_result action=thumbnail status=ok tenant_id=%s file_id=%s thumbnail=%s", cfg.ID(), fileID, thumbPath)
	return nil
}
