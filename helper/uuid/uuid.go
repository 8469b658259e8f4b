// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides ID generation for jobs, responses and blobs.
package uuid

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// Generate is used to generate a random UUID.
func Generate() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate uuid: %v", err))
	}
	return id
}
