package service

import (
	"context"

	"extapi/server/common/infra/mq"
	"extapi/server/scanman/domain"
	"extapi/server/scanman/repository"
)

type FileStore interface {
	Begin(ctx context.Context, tenantID string) (repository.FileUnitOfWork, error)
}

type FileReader interface {
	FindFile(ctx context.Context, tenantID, fileID string) (domain.File, error)
	SetThumbnail(ctx context.Context, tenantID, fileID, thumbnailPath string) error
}

type ObjectStorage interface {
	Delete(ctx context.Context, tenantID, objectPath string) error
	Thumbnail(ctx context.Context, tenantID, objectPath string) (string, error)
}

type StatusStore interface {
	Set(ctx context.Context, tenantID string, rec domain.ScanStatusRecord) error
	Get(ctx context.Context, tenantID, fileID string) (domain.ScanStatusRecord, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event mq.Event, props map[string]string) error
}
