package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"depotfs/internal/common"
)

// LockManager hands out short-lived, catalog-backed mutual-exclusion leases
// keyed by path. Each acquire/release runs in its own transaction, distinct
// from the caller's request transaction, so a lock is visible to other
// connections (or other processes sharing the catalog) immediately.
//
// Locks are advisory and fail-fast: an overlapping holder means ErrLocked,
// never blocking. Clients retry.
type LockManager struct {
	db *bun.DB
}

// NewLockManager creates a LockManager over the shared catalog handle.
func NewLockManager(db *bun.DB) *LockManager {
	return &LockManager{db: db}
}

// Acquire takes the lock for the subtree rooted at p. Fails with
// common.ErrLocked if any held lock is equal to, an ancestor of, or a
// descendant of p.
func (m *LockManager) Acquire(ctx context.Context, p string) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	held, err := m.overlapping(tx, ctx, p)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: %s", common.ErrLocked, p)
	}

	lock := &PathLockModel{ID: uuid.NewString(), Path: p}
	if _, err := tx.NewInsert().Model(lock).Exec(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// Release drops the lock for p. Safe to call when the lock is already gone.
func (m *LockManager) Release(ctx context.Context, p string) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NewDelete().
		Model((*PathLockModel)(nil)).
		Where("path = ?", p).
		Exec(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// overlapping reports whether any held lock covers p: an exact match, an
// ancestor (checked against the explicit ancestor chain, not a LIKE whose
// pattern would come from an uncontrolled column), or a descendant.
func (m *LockManager) overlapping(idb bun.IDB, ctx context.Context, p string) (bool, error) {
	q := idb.NewSelect().
		Model((*PathLockModel)(nil)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.Where("path = ?", p).
				WhereOr("path LIKE ? ESCAPE '\\'", common.DescendantPattern(p))
			if ancestors := common.Ancestors(p); len(ancestors) > 0 {
				q = q.WhereOr("path IN (?)", bun.In(ancestors))
			}
			return q
		})
	count, err := q.Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// WithLock runs fn while holding locks on every given path, and guarantees
// release on every exit path. Paths are acquired in lexicographic order
// regardless of argument order, so two-path operations (move, copy) cannot
// deadlock each other.
func (m *LockManager) WithLock(ctx context.Context, fn func() error, paths ...string) error {
	ordered := append([]string(nil), paths...)
	sort.Strings(ordered)

	var held []string
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := m.Release(context.WithoutCancel(ctx), held[i]); err != nil {
				log.WithField("path", held[i]).WithError(err).Error("failed to release path lock")
			}
		}
	}()

	for _, p := range ordered {
		if err := m.Acquire(ctx, p); err != nil {
			return err
		}
		held = append(held, p)
	}
	return fn()
}
