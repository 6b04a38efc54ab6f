package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/dtroode/custodian/internal/model"
)

const keyPrefix = "signing-keys"

// minioAPI is the part of *minio.Client the archive uses.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

var _ model.KeyArchive = (*Archive)(nil)

// Archive keeps the public half of purged signing keys in a bucket so that
// signatures can still be audited after the key leaves the database.
type Archive struct {
	api    minioAPI
	bucket string
}

// archivedKey is the object body. Private material is never written.
type archivedKey struct {
	KID       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	PurgedAt  time.Time `json:"purged_at"`
}

func NewArchive(ctx context.Context, client *minio.Client, bucket string) (*Archive, error) {
	return NewArchiveWithAPI(ctx, client, bucket)
}

func NewArchiveWithAPI(ctx context.Context, api minioAPI, bucket string) (*Archive, error) {
	a := &Archive{
		api:    api,
		bucket: bucket,
	}

	if err := a.ensureBucketExists(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return a, nil
}

func (a *Archive) ensureBucketExists(ctx context.Context) error {
	exists, err := a.api.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := a.api.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Archive writes one object per key. Keys already archived are skipped.
func (a *Archive) Archive(ctx context.Context, keys []model.SigningKey, purgedAt time.Time) error {
	for _, key := range keys {
		name := ObjectName(key.KID())

		exists, err := a.exists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		body, err := json.Marshal(archivedKey{
			KID:       key.KID(),
			Algorithm: key.Algorithm(),
			PublicKey: key.PublicKey(),
			CreatedAt: key.CreatedAt().UTC(),
			PurgedAt:  purgedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode key %s: %w", key.KID(), err)
		}

		_, err = a.api.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		if err != nil {
			return fmt.Errorf("failed to upload key %s: %w", key.KID(), err)
		}
	}
	return nil
}

func (a *Archive) exists(ctx context.Context, name string) (bool, error) {
	_, err := a.api.StatObject(ctx, a.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

func ObjectName(kid string) string {
	return path.Join(keyPrefix, kid+".json")
}
