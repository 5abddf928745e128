// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	isgbadger "github.com/AleutianAI/isg/services/isg/storage/badger"
)

// Sink is a location a snapshot can be written to and read back from.
//
// Implementations return an error wrapping ErrNoSnapshot from Read when
// nothing has been written yet.
type Sink interface {
	// Write replaces the stored snapshot with data.
	Write(ctx context.Context, data []byte) error

	// Read returns the stored snapshot bytes.
	Read(ctx context.Context) ([]byte, error)

	// Location describes where the snapshot lives, for logs and errors.
	Location() string
}

// FileSink stores the snapshot in a single local file.
type FileSink struct {
	Path string
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

// Location returns the file path.
func (f *FileSink) Location() string {
	return f.Path
}

// Write stores data atomically: temp file, fsync, rename.
//
// Description:
//
//	A reader of Path sees either the previous snapshot or the new one,
//	never a partial write. The parent directory is created if missing.
//
// Thread Safety:
//
//	Concurrent writers each produce a complete file; the last rename wins.
func (f *FileSink) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tempPath, f.Path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	success = true
	return nil
}

// Read returns the file contents.
func (f *FileSink) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}
	return data, err
}

// DefaultBadgerKey is the key BadgerSink uses when none is given.
const DefaultBadgerKey = "snapshot/latest"

// BadgerSink stores the snapshot as one value in an embedded BadgerDB.
type BadgerSink struct {
	db  *isgbadger.DB
	key string
}

// NewBadgerSink returns a sink storing under key in db. An empty key uses
// DefaultBadgerKey. The caller owns db and closes it.
func NewBadgerSink(db *isgbadger.DB, key string) *BadgerSink {
	if key == "" {
		key = DefaultBadgerKey
	}
	return &BadgerSink{db: db, key: key}
}

// Location returns "badger:<dir>/<key>".
func (b *BadgerSink) Location() string {
	dir := b.db.Dir()
	if b.db.InMemory() {
		dir = "memory"
	}
	return "badger:" + dir + "/" + b.key
}

// Write stores data under the sink's key.
func (b *BadgerSink) Write(ctx context.Context, data []byte) error {
	return b.db.Put(ctx, b.key, data)
}

// Read loads the value stored under the sink's key.
func (b *BadgerSink) Read(ctx context.Context) ([]byte, error) {
	data, err := b.db.Get(ctx, b.key)
	if errors.Is(err, isgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}
	return data, err
}

// GCSSink stores the snapshot as an object in Google Cloud Storage.
type GCSSink struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSSink creates a GCS client and returns a sink for bucket/object.
//
// Inputs:
//
//	ctx - Context for client creation.
//	bucket - Bucket name. Must not be empty.
//	object - Object name. Must not be empty.
//	credentialsFile - Path to a service account key. Empty uses
//	                  application default credentials.
//
// Outputs:
//
//	*GCSSink - The sink. Call Close when done.
//	error - Non-nil if the key is missing or the client cannot be created.
func NewGCSSink(ctx context.Context, bucket, object, credentialsFile string) (*GCSSink, error) {
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("gcs sink requires bucket and object")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, object: object}, nil
}

// Location returns "gs://bucket/object".
func (g *GCSSink) Location() string {
	return "gs://" + g.bucket + "/" + g.object
}

// Write uploads data, replacing the object.
func (g *GCSSink) Write(ctx context.Context, data []byte) error {
	writer := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", g.Location(), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", g.Location(), err)
	}
	return nil
}

// Read downloads the object.
func (g *GCSSink) Read(ctx context.Context) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", g.Location(), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", g.Location(), err)
	}
	return data, nil
}

// Close releases the GCS client.
func (g *GCSSink) Close() error {
	return g.client.Close()
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*BadgerSink)(nil)
	_ Sink = (*GCSSink)(nil)
)
