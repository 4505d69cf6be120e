//go:build gcp

package main

import (
	"context"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

func newGCSArchive(ctx context.Context, cfg store.ArchiveConfig) (receipts.Archiver, error) {
	return store.NewGCSArchive(ctx, cfg)
}
