// Package minio backs the storage boundary with a MinIO/S3 bucket.
package minio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/internal/tracer"
)

type Client struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

func New(cfg *config.MinioConfig) (storage.Storage, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &Client{client: cli, bucket: cfg.Bucket, transport: transport}, nil
}

func (m *Client) Put(ctx context.Context, path string, data []byte, metadata map[string]string) (*storage.ObjectInfo, error) {
	ctx, span := tracer.Get().Start(ctx, "MinIO/Put")
	defer span.End()

	info, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{UserMetadata: metadata})
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}

	return &storage.ObjectInfo{
		Path:      path,
		VersionID: info.VersionID,
		Size:      info.Size,
		ETag:      info.ETag,
	}, nil
}

func (m *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return m.get(ctx, path, minio.GetObjectOptions{})
}

func (m *Client) GetVersion(ctx context.Context, path, versionID string) ([]byte, error) {
	return m.get(ctx, path, minio.GetObjectOptions{VersionID: versionID})
}

func (m *Client) get(ctx context.Context, path string, opts minio.GetObjectOptions) ([]byte, error) {
	ctx, span := tracer.Get().Start(ctx, "MinIO/Get")
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, path, opts)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *Client) Head(ctx context.Context, path string) (*storage.ObjectInfo, error) {
	ctx, span := tracer.Get().Start(ctx, "MinIO/Head")
	defer span.End()

	info, err := m.client.StatObject(ctx, m.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		tracer.RecordSpanError(span, err)
		return nil, err
	}

	return &storage.ObjectInfo{
		Path:         path,
		VersionID:    info.VersionID,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

func (m *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	ctx, span := tracer.Get().Start(ctx, "MinIO/List")
	defer span.End()

	var objects []storage.ObjectInfo
	for info := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			tracer.RecordSpanError(span, info.Err)
			return nil, info.Err
		}
		objects = append(objects, storage.ObjectInfo{
			Path:         info.Key,
			VersionID:    info.VersionID,
			Size:         info.Size,
			ETag:         info.ETag,
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}

func (m *Client) Delete(ctx context.Context, path, versionID string) error {
	ctx, span := tracer.Get().Start(ctx, "MinIO/Delete")
	defer span.End()

	err := m.client.RemoveObject(ctx, m.bucket, path, minio.RemoveObjectOptions{VersionID: versionID})
	if err != nil {
		tracer.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *Client) Close() {
	m.transport.CloseIdleConnections()
}
