// Package digest decides which fetched items go into the next digest.
package digest

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

// StoreErrorPolicy controls what FilterNew does when the item store cannot be queried.
type StoreErrorPolicy string

const (
	// AssumeNew treats every candidate as new. Duplicates are possible.
	AssumeNew StoreErrorPolicy = "assume_new"
	// FailClosed returns the store error and nothing is sent.
	FailClosed StoreErrorPolicy = "fail_closed"
)

// ParsePolicy maps a config value to a policy, defaulting to AssumeNew.
func ParsePolicy(s string) StoreErrorPolicy {
	if StoreErrorPolicy(s) == FailClosed {
		return FailClosed
	}
	return AssumeNew
}

// ItemStore is the membership side of the item store.
type ItemStore interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// FilterResult is the outcome of FilterNew.
type FilterResult struct {
	Items    []database.Item
	Seen     int
	Degraded bool
}

// Filter drops candidates that were already delivered.
type Filter struct {
	store  ItemStore
	policy StoreErrorPolicy
	log    logging.Logger
}

// NewFilter creates a filter over the given store.
func NewFilter(store ItemStore, policy StoreErrorPolicy, log logging.Logger) *Filter {
	if log == nil {
		log = logging.Discard()
	}
	return &Filter{store: store, policy: policy, log: log}
}

// FilterNew returns the candidates whose id is not in the store, in input order.
// The store is never written. A store failure either degrades to returning every
// candidate (AssumeNew) or is returned as an error (FailClosed).
func (f *Filter) FilterNew(ctx context.Context, candidates []database.Item) (FilterResult, error) {
	fresh := make([]database.Item, 0, len(candidates))
	for _, c := range candidates {
		exists, err := f.store.Exists(ctx, c.ID)
		if err != nil {
			return f.onStoreError(candidates, c.ID, err)
		}
		if !exists {
			fresh = append(fresh, c)
		}
	}

	res := FilterResult{Items: fresh, Seen: len(candidates) - len(fresh)}
	f.log.WithFields(logging.Fields{
		"candidates": len(candidates),
		"new":        len(fresh),
		"seen":       res.Seen,
	}).Info("Filtered already-delivered items")
	return res, nil
}

func (f *Filter) onStoreError(candidates []database.Item, id string, err error) (FilterResult, error) {
	if f.policy == FailClosed {
		f.log.WithError(err).WithField("item_id", id).Error("Item store unavailable; failing the run")
		return FilterResult{}, fmt.Errorf("checking delivered items: %w", err)
	}

	f.log.WithError(err).WithFields(logging.Fields{
		"item_id":    id,
		"candidates": len(candidates),
	}).Warn("Item store unavailable; degraded mode, treating all candidates as new")

	all := make([]database.Item, len(candidates))
	copy(all, candidates)
	return FilterResult{Items: all, Degraded: true}, nil
}
