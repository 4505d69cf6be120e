//go:build !gcp

package main

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

func newGCSArchive(context.Context, store.ArchiveConfig) (receipts.Archiver, error) {
	return nil, errors.New("gcs archive requires a build with -tags gcp")
}
