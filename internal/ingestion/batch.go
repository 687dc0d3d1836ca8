package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
)

// ErrConflictingTargets is returned when two descriptors of a batch could write the same objects.
var ErrConflictingTargets = errors.New("conflicting batch targets")

// RunBatch runs every descriptor with at most parallel runs in flight. A
// failing dataset does not stop its siblings. Reports come back in input order.
func (s *Service) RunBatch(ctx context.Context, descriptors []model.Descriptor, mode model.Mode, parallel int) ([]Report, error) {
	if err := checkTargets(descriptors); err != nil {
		return nil, err
	}
	if parallel < 1 {
		parallel = 1
	}

	slog.InfoContext(ctx, "batch started", "datasets", len(descriptors), "parallel", parallel, "mode", mode)
	reports := make([]Report, len(descriptors))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, d := range descriptors {
		g.Go(func() error {
			reports[i] = s.Run(ctx, d, mode)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}
	slog.InfoContext(ctx, "batch complete", "datasets", len(reports), "failed", failed)
	return reports, nil
}

// checkTargets rejects duplicate dataset names (they share a staging
// directory) and overlapping destination keys.
func checkTargets(descriptors []model.Descriptor) error {
	for i, a := range descriptors {
		ka := storage.ObjectKey{Bucket: a.Bucket, Prefix: a.Prefix}
		for _, b := range descriptors[i+1:] {
			if a.Name == b.Name {
				return fmt.Errorf("%w: dataset %s listed twice", ErrConflictingTargets, a.Name)
			}
			kb := storage.ObjectKey{Bucket: b.Bucket, Prefix: b.Prefix}
			if ka.Overlaps(kb) {
				return fmt.Errorf("%w: %s (%s) and %s (%s) overlap", ErrConflictingTargets, a.Name, ka, b.Name, kb)
			}
		}
	}
	return nil
}
