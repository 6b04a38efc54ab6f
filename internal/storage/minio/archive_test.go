package minio

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	minioLib "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/custodian/internal/model"
)

// fakeMinio implements minioAPI in memory.
type fakeMinio struct {
	bucketExists    bool
	bucketExistsErr error
	makeBucketErr   error
	madeBucket      bool

	putErr  error
	statErr error

	objects map[string][]byte
	opts    map[string]minioLib.PutObjectOptions
}

func newFakeMinio() *fakeMinio {
	return &fakeMinio{
		bucketExists: true,
		objects:      make(map[string][]byte),
		opts:         make(map[string]minioLib.PutObjectOptions),
	}
}

func (f *fakeMinio) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketExistsErr
}

func (f *fakeMinio) MakeBucket(_ context.Context, _ string, _ minioLib.MakeBucketOptions) error {
	if f.makeBucketErr == nil {
		f.madeBucket = true
	}
	return f.makeBucketErr
}

func (f *fakeMinio) PutObject(_ context.Context, _ string, name string, r io.Reader, _ int64, opts minioLib.PutObjectOptions) (minioLib.UploadInfo, error) {
	if f.putErr != nil {
		return minioLib.UploadInfo{}, f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minioLib.UploadInfo{}, err
	}
	f.objects[name] = body
	f.opts[name] = opts
	return minioLib.UploadInfo{Key: name, Size: int64(len(body))}, nil
}

func (f *fakeMinio) StatObject(_ context.Context, _ string, name string, _ minioLib.StatObjectOptions) (minioLib.ObjectInfo, error) {
	if f.statErr != nil {
		return minioLib.ObjectInfo{}, f.statErr
	}
	if _, ok := f.objects[name]; !ok {
		return minioLib.ObjectInfo{}, minioLib.ErrorResponse{Code: "NoSuchKey"}
	}
	return minioLib.ObjectInfo{Key: name}, nil
}

func testKey(t *testing.T, kid string) model.SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	b := model.SigningKeyBuilder{
		KID:       kid,
		Algorithm: "RS256",
		Status:    model.SigningKeyInactive,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, b.GeneratedKeyPair(priv))
	key, err := b.Build()
	require.NoError(t, err)
	return key
}

func TestNewArchiveWithAPI(t *testing.T) {
	ctx := context.Background()

	t.Run("bucket exists", func(t *testing.T) {
		api := newFakeMinio()
		a, err := NewArchiveWithAPI(ctx, api, "keys")
		require.NoError(t, err)
		assert.Equal(t, "keys", a.bucket)
		assert.False(t, api.madeBucket)
	})

	t.Run("creates bucket", func(t *testing.T) {
		api := newFakeMinio()
		api.bucketExists = false
		_, err := NewArchiveWithAPI(ctx, api, "keys")
		require.NoError(t, err)
		assert.True(t, api.madeBucket)
	})

	t.Run("bucket check error", func(t *testing.T) {
		api := newFakeMinio()
		api.bucketExistsErr = errors.New("boom")
		a, err := NewArchiveWithAPI(ctx, api, "keys")
		assert.Nil(t, a)
		assert.ErrorContains(t, err, "failed to ensure bucket exists")
	})

	t.Run("make bucket error", func(t *testing.T) {
		api := newFakeMinio()
		api.bucketExists = false
		api.makeBucketErr = errors.New("fail")
		a, err := NewArchiveWithAPI(ctx, api, "keys")
		assert.Nil(t, a)
		assert.ErrorContains(t, err, "failed to create bucket")
	})
}

func TestArchive_Archive(t *testing.T) {
	ctx := context.Background()
	purgedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := testKey(t, "kid-1")

	api := newFakeMinio()
	a := &Archive{api: api, bucket: "keys"}

	require.NoError(t, a.Archive(ctx, []model.SigningKey{key}, purgedAt))

	body, ok := api.objects["signing-keys/kid-1.json"]
	require.True(t, ok)
	assert.Equal(t, "application/json", api.opts["signing-keys/kid-1.json"].ContentType)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "kid-1", got["kid"])
	assert.Equal(t, "RS256", got["algorithm"])
	assert.Equal(t, key.PublicKey(), got["public_key"])
	assert.Equal(t, "2026-03-01T00:00:00Z", got["purged_at"])
	assert.NotContains(t, got, "private_key")
	assert.NotContains(t, string(body), key.PrivateKey())
}

func TestArchive_SkipsArchivedKeys(t *testing.T) {
	ctx := context.Background()
	api := newFakeMinio()
	api.objects["signing-keys/kid-1.json"] = []byte(`{"kid":"kid-1"}`)
	a := &Archive{api: api, bucket: "keys"}

	require.NoError(t, a.Archive(ctx, []model.SigningKey{testKey(t, "kid-1")}, time.Now()))
	assert.Equal(t, `{"kid":"kid-1"}`, string(api.objects["signing-keys/kid-1.json"]))
}

func TestArchive_Errors(t *testing.T) {
	ctx := context.Background()
	key := testKey(t, "kid-1")

	tests := []struct {
		name    string
		setup   func(*fakeMinio)
		wantErr string
	}{
		{
			name:    "stat failure",
			setup:   func(f *fakeMinio) { f.statErr = errors.New("down") },
			wantErr: "failed to stat object",
		},
		{
			name:    "put failure",
			setup:   func(f *fakeMinio) { f.putErr = errors.New("denied") },
			wantErr: "failed to upload key kid-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeMinio()
			tt.setup(api)
			a := &Archive{api: api, bucket: "keys"}
			assert.ErrorContains(t, a.Archive(ctx, []model.SigningKey{key}, time.Now()), tt.wantErr)
		})
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "signing-keys/abc.json", ObjectName("abc"))
}
