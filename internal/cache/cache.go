// Package cache tells downstream caches which public pages went stale.
package cache

import (
	"context"
	"errors"
)

// Invalidator drops cached copies of the given public paths.
type Invalidator interface {
	Invalidate(ctx context.Context, paths ...string) error
}

// Public listing paths affected by any contest change.
const (
	HomePath     = "/"
	ListingPath  = "/concursos"
	contestsBase = "/concursos/"
)

// ContestPaths returns the public paths rendered from a contest with the given slugs.
// Empty slugs are skipped so a rename can pass both the old and the new one.
func ContestPaths(slugs ...string) []string {
	paths := []string{HomePath, ListingPath}
	seen := map[string]bool{}
	for _, s := range slugs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		paths = append(paths, contestsBase+s)
	}
	return paths
}

type nop struct{}

func (nop) Invalidate(context.Context, ...string) error { return nil }

// Nop discards invalidations.
func Nop() Invalidator { return nop{} }

// Multi fans an invalidation out to every target and joins their errors.
type Multi []Invalidator

func (m Multi) Invalidate(ctx context.Context, paths ...string) error {
	var errs []error
	for _, inv := range m {
		if inv == nil {
			continue
		}
		if err := inv.Invalidate(ctx, paths...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
