// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/relay/helper/uuid"
	"github.com/hashicorp/relay/relay/state"
	"github.com/hashicorp/relay/relay/structs"
)

// BlobCatalog is a read-through cache of blob metadata descriptors in
// front of the blobs table. The payload bytes live in external object
// storage; the catalog only answers "where is this blob".
type BlobCatalog struct {
	logger hclog.Logger
	state  *state.StateStore
	cache  *lru.Cache[string, *structs.BlobMetadata]
}

func newBlobCatalog(store *state.StateStore, logger hclog.Logger, size int) (*BlobCatalog, error) {
	cache, err := lru.New[string, *structs.BlobMetadata](size)
	if err != nil {
		return nil, err
	}
	return &BlobCatalog{
		logger: logger.Named("blobs"),
		state:  store,
		cache:  cache,
	}, nil
}

// Register records a descriptor for a payload the ingress layer already
// uploaded, assigning an ID when none was supplied.
func (c *BlobCatalog) Register(blob *structs.BlobMetadata, now time.Time) error {
	if blob.ID == "" {
		blob.ID = uuid.Generate()
	}
	blob.CreateTime = now
	blob.ModifyTime = now
	if err := c.state.UpsertBlob(blob); err != nil {
		return err
	}
	c.cache.Add(blob.ID, blob)
	return nil
}

// Lookup resolves a descriptor, hitting the cache first.
func (c *BlobCatalog) Lookup(blobID string) (*structs.BlobMetadata, error) {
	if blob, ok := c.cache.Get(blobID); ok {
		return blob, nil
	}
	blob, err := c.state.BlobByID(nil, blobID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, structs.ErrBlobNotFound
	}
	c.cache.Add(blobID, blob)
	return blob, nil
}

// PublicURL resolves the externally servable URL for a blob.
func (c *BlobCatalog) PublicURL(blobID string) (string, error) {
	blob, err := c.Lookup(blobID)
	if err != nil {
		return "", err
	}
	return blob.PublicURL, nil
}

// Blob is the blob metadata endpoint.
type Blob struct {
	srv    *Server
	logger hclog.Logger
}

// Register records object-storage metadata for an uploaded payload.
func (b *Blob) Register(args *structs.BlobRegisterRequest, reply *structs.BlobRegisterResponse) error {
	defer metrics.MeasureSince([]string{"relay", "blob", "register"}, time.Now())

	if args.Blob == nil {
		return structs.ErrMissingBlobID
	}
	if err := b.srv.blobs.Register(args.Blob, time.Now()); err != nil {
		return err
	}
	b.logger.Debug("registered blob", "blob_id", args.Blob.ID,
		"bucket", args.Blob.Bucket, "size", args.Blob.SizeBytes)
	reply.BlobID = args.Blob.ID
	return nil
}
