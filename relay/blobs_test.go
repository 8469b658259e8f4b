// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/relay/mock"
	"github.com/hashicorp/relay/relay/structs"
)

func TestBlobCatalog(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)
	now := time.Now()

	t.Run("register assigns an id", func(t *testing.T) {
		blob := mock.BlobMetadata()
		blob.ID = ""
		must.NoError(t, srv.blobs.Register(blob, now))
		must.NotEq(t, "", blob.ID)
	})

	t.Run("lookup reads through to the store", func(t *testing.T) {
		blob := mock.BlobMetadata()
		must.NoError(t, srv.state.UpsertBlob(blob))

		// Not cached yet; the read-through populates it.
		out, err := srv.blobs.Lookup(blob.ID)
		must.NoError(t, err)
		must.Eq(t, blob.ID, out.ID)

		out, err = srv.blobs.Lookup(blob.ID)
		must.NoError(t, err)
		must.Eq(t, blob.ID, out.ID)
	})

	t.Run("missing blob", func(t *testing.T) {
		_, err := srv.blobs.Lookup("missing")
		must.ErrorIs(t, err, structs.ErrBlobNotFound)
	})

	t.Run("public url", func(t *testing.T) {
		blob := mock.BlobMetadata()
		must.NoError(t, srv.blobs.Register(blob, now))

		url, err := srv.blobs.PublicURL(blob.ID)
		must.NoError(t, err)
		must.Eq(t, blob.PublicURL, url)
	})
}

func TestBlobEndpoint_Register(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	var reply structs.BlobRegisterResponse
	must.NoError(t, srv.Blobs().Register(&structs.BlobRegisterRequest{
		Blob: mock.BlobMetadata(),
	}, &reply))
	must.NotEq(t, "", reply.BlobID)

	out, err := srv.state.BlobByID(nil, reply.BlobID)
	must.NoError(t, err)
	must.NotNil(t, out)

	must.Error(t, srv.Blobs().Register(&structs.BlobRegisterRequest{}, &reply))
}
