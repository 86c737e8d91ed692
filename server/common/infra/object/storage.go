package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
)

const thumbnailSize = 320

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
}

// Storage addresses tenant objects by their logical path; the router decides
// bucket and key prefix.
type Storage struct {
	router *TenantMinIORouter
}

func NewStorage(router *TenantMinIORouter) *Storage {
	return &Storage{router: router}
}

func (s *Storage) Delete(ctx context.Context, tenantID, objectPath string) error {
	client, bucket, prefix, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	key := TenantObjectKey(prefix, objectPath)
	if err := client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Thumbnail renders a JPEG thumbnail of the image at objectPath and stores it
// beside the original. It returns the thumbnail's logical path.
func (s *Storage) Thumbnail(ctx context.Context, tenantID, objectPath string) (string, error) {
	if !IsImagePath(objectPath) {
		return "", errors.New("not an image")
	}
	client, bucket, prefix, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return "", err
	}

	obj, err := client.GetObject(ctx, bucket, TenantObjectKey(prefix, objectPath), minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	img, _, err := image.Decode(obj)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}

	thumbPath := ThumbnailPath(objectPath)
	reader := bytes.NewReader(buf.Bytes())
	_, err = client.PutObject(ctx, bucket, TenantObjectKey(prefix, thumbPath), reader, int64(reader.Len()), minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbPath, nil
}

func IsImagePath(objectPath string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(objectPath))]
	return ok
}

func ThumbnailPath(objectPath string) string {
	ext := path.Ext(objectPath)
	return strings.TrimSuffix(objectPath, ext) + "_thumb.jpg"
}

func TenantObjectKey(prefix, objectPath string) string {
	cleaned := strings.TrimPrefix(strings.TrimSpace(objectPath), "/")
	normalizedPrefix := strings.TrimSpace(prefix)
	if normalizedPrefix == "" {
		return cleaned
	}
	normalizedPrefix = strings.TrimPrefix(normalizedPrefix, "/")
	if !strings.HasSuffix(normalizedPrefix, "/") {
		normalizedPrefix += "/"
	}
	if strings.HasPrefix(cleaned, normalizedPrefix) {
		return cleaned
	}
	return normalizedPrefix + cleaned
}
