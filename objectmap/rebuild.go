package objectmap

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Prober checks whether a data object currently exists, used by Rebuild
// to reconstruct an object map from ground truth rather than trusting a
// possibly-stale persisted bitmap.
type Prober interface {
	ObjectExists(ctx context.Context, pool, objectName string) (bool, error)
}

// Rebuild walks every object in [0, objectCount) for (pool,id,snap),
// probing real existence, bounded by concurrency, and returns a fresh
// bitmap. Requires OBJECT_MAP to be enabled; callers clear
// OBJECT_MAP_INVALID (and FAST_DIFF_INVALID if set) once this succeeds.
func Rebuild(ctx context.Context, prober Prober, pool string, objectName func(uint64) string, objectCount uint64, concurrency int) (*Bitmap, error) {
	b := NewBitmap(objectCount)
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex

	for i := uint64(0); i < objectCount; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			exists, err := prober.ObjectExists(ctx, pool, objectName(i))
			if err != nil {
				return err
			}
			state := StateNonExistent
			if exists {
				state = StateExistsClean
			}
			mu.Lock()
			b.Set(i, state)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}
