package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"extapi/server/common/infra/db"
	commonlog "extapi/server/common/log"
	"extapi/server/scanman/domain"
)

const fileColumns = `id, application_id, stored_path, stored_file_name, original_file_name, content_type, size_bytes, thumbnail_path, created_at`

type FileRepository struct {
	router     *db.TenantDBRouter
	dispatcher *domain.Dispatcher
}

func NewFileRepository(router *db.TenantDBRouter, dispatcher *domain.Dispatcher) *FileRepository {
	return &FileRepository{router: router, dispatcher: dispatcher}
}

func (r *FileRepository) FindFile(ctx context.Context, tenantID, fileID string) (domain.File, error) {
	pool, err := r.router.DBForTenant(ctx, tenantID)
	if err != nil {
		return domain.File{}, err
	}
	return scanFile(pool.QueryRow(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, fileID))
}

func (r *FileRepository) SetThumbnail(ctx context.Context, tenantID, fileID, thumbnailPath string) error {
	pool, err := r.router.DBForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `
		UPDATE files SET thumbnail_path=$3
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, fileID, thumbnailPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// Begin opens a unit of work on the tenant's database.
func (r *FileRepository) Begin(ctx context.Context, tenantID string) (FileUnitOfWork, error) {
	pool, err := r.router.DBForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgxFileUnitOfWork{tx: tx, tenantID: tenantID, dispatcher: r.dispatcher}, nil
}

// FileUnitOfWork stages file changes in one transaction. Domain events of
// removed files are dispatched only after a successful Commit.
type FileUnitOfWork interface {
	FindFile(ctx context.Context, fileID string) (domain.File, error)
	Remove(ctx context.Context, file *domain.File) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type pgxFileUnitOfWork struct {
	tx         pgx.Tx
	tenantID   string
	dispatcher *domain.Dispatcher
	pending    []domain.Event
	done       bool
}

func (u *pgxFileUnitOfWork) FindFile(ctx context.Context, fileID string) (domain.File, error) {
	return scanFile(u.tx.QueryRow(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE tenant_id=$1 AND id=$2
		FOR UPDATE
	`, u.tenantID, fileID))
}

func (u *pgxFileUnitOfWork) Remove(ctx context.Context, file *domain.File) error {
	tag, err := u.tx.Exec(ctx, `DELETE FROM files WHERE tenant_id=$1 AND id=$2`, u.tenantID, file.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	u.pending = append(u.pending, file.PullEvents()...)
	return nil
}

func (u *pgxFileUnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	u.done = true
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	events := u.pending
	u.pending = nil
	u.dispatcher.Dispatch(ctx, u.tenantID, events)
	return nil
}

// Rollback is a no-op after Commit.
func (u *pgxFileUnitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	u.pending = nil
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		commonlog.Warnf("event=file_uow action=rollback status=failed tenant_id=%s error=%v", u.tenantID, err)
		return err
	}
	return nil
}

func scanFile(row pgx.Row) (domain.File, error) {
	var f domain.File
	err := row.Scan(&f.ID, &f.ApplicationID, &f.StoredPath, &f.StoredFileName, &f.OriginalFileName, &f.ContentType, &f.SizeBytes, &f.ThumbnailPath, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.File{}, domain.ErrFileNotFound
		}
		return domain.File{}, err
	}
	return f, nil
}
