// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// BlobMetadata maps an opaque blob handle to its object-storage
// descriptor. The core inserts a row when ingress supplies a new blob and
// reads descriptors by ID; it never rewrites the underlying bytes.
type BlobMetadata struct {
	ID          string
	Bucket      string
	Key         string
	ContentType string
	SizeBytes   int64
	PublicURL   string
	Hash        string

	CreateTime time.Time
	ModifyTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Copy returns a shallow copy; all fields are value types.
func (b *BlobMetadata) Copy() *BlobMetadata {
	if b == nil {
		return nil
	}
	nb := new(BlobMetadata)
	*nb = *b
	return nb
}
