// Copyright 2025 The depotfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine implements the storage operations behind the WebDAV and
// REST surfaces. Every mutation keeps the managed filesystem tree and
// the catalog consistent: filesystem first, catalog in one transaction,
// with compensation on failure.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"depotfs/internal/catalog"
	"depotfs/internal/common"
	"depotfs/internal/metrics"
	"depotfs/internal/util"
)

var log = logrus.WithField("component", "engine")

// Engine coordinates the managed filesystem and the catalog.
type Engine struct {
	fs      billy.Filesystem
	db      *bun.DB
	catalog *catalog.Catalog
	locks   *catalog.LockManager

	now func() time.Time
}

// New builds an Engine over an open catalog database and the managed
// filesystem root.
func New(db *bun.DB, fs billy.Filesystem, cat *catalog.Catalog) *Engine {
	return &Engine{
		fs:      fs,
		db:      db,
		catalog: cat,
		locks:   catalog.NewLockManager(db),
		now:     time.Now,
	}
}

// Catalog exposes the underlying catalog for read-side consumers such as
// the job runner.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// FS exposes the managed filesystem.
func (e *Engine) FS() billy.Filesystem {
	return e.fs
}

// EnsureLayout creates the managed root, metadata and trash directories
// on first start. Safe to call on every start.
func (e *Engine) EnsureLayout(ctx context.Context) error {
	for _, p := range []string{common.Sep, MetadataRoot, TrashRoot} {
		ok, err := e.catalog.Exists(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := e.fs.MkdirAll(p, dirMode); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			_, err := e.catalog.MkdirWith(tx, ctx, p)
			return err
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
		log.WithField("path", p).Info("initialized layout directory")
	}
	return nil
}

// withLock acquires the path locks under the retry policy for lock
// conflicts, so short-lived contention is absorbed instead of surfacing
// as a Locked result on the first collision.
func (e *Engine) withLock(ctx context.Context, fn func() error, paths ...string) error {
	return util.Retry(ctx, func() error {
		return e.locks.WithLock(ctx, fn, paths...)
	}, util.PathLockRetryOptions(ctx)...)
}

// recordOp feeds the per-operation counter once a protocol-level outcome
// exists. Plain errors have no outcome here; the HTTP layer counts them.
func recordOp(op string, res *Result) {
	if res == nil {
		return
	}
	metrics.RecordOperation(op, res.Status.String())
}

// resolve maps sentinel errors from catalog and lock operations onto a
// protocol-neutral result; anything unexpected is passed through.
func resolve(err error) (*Result, error) {
	switch {
	case err == nil:
		return status(StatusOK), nil
	case errors.Is(err, common.ErrLocked):
		return status(StatusLocked), nil
	case errors.Is(err, common.ErrNotFound):
		return status(StatusNotFound), nil
	case errors.Is(err, common.ErrConflict):
		return status(StatusConflict), nil
	case errors.Is(err, common.ErrNotAllowed):
		return status(StatusNotAllowed), nil
	case errors.Is(err, common.ErrUnprocessable):
		return status(StatusUnprocessable), nil
	default:
		return nil, err
	}
}

// entryFor builds a listing entry for a catalog row. Directories report
// aggregated subtree size and the most recent update below them.
func (e *Engine) entryFor(idb bun.IDB, ctx context.Context, fe *catalog.FileEntryModel) (Entry, error) {
	entry := Entry{
		Path:        fe.Path,
		Name:        common.BaseName(fe.Path),
		IsDirectory: fe.IsDirectory,
		ModifiedAt:  time.Unix(fe.UpdatedAt, 0).UTC(),
		CreatedAt:   time.Unix(fe.CreatedAt, 0).UTC(),
	}
	if fe.IsDirectory {
		size, updated, err := e.catalog.AggregateWith(idb, ctx, fe.Path)
		if err != nil {
			return Entry{}, err
		}
		entry.Size = size
		if updated > fe.UpdatedAt {
			entry.ModifiedAt = time.Unix(updated, 0).UTC()
		}
		return entry, nil
	}
	meta, err := e.catalog.GetMetadataWith(idb, ctx, fe.MetadataID)
	if err != nil {
		return Entry{}, err
	}
	entry.Size = meta.Size
	entry.MediaType = meta.InternetMediaType
	return entry, nil
}

// List returns the resource at p, plus its children when p is a
// directory. The resource itself is always the first entry.
func (e *Engine) List(ctx context.Context, p string) (*Result, error) {
	p = common.CanonicalPath(p)

	self, err := e.catalog.Get(ctx, p)
	if err != nil {
		return resolve(err)
	}

	entries := make([]Entry, 0, 8)
	selfEntry, err := e.entryFor(e.db, ctx, self)
	if err != nil {
		return nil, err
	}
	entries = append(entries, selfEntry)

	if self.IsDirectory {
		children, err := e.catalog.ListChildrenWith(e.db, ctx, p)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child, err := e.entryFor(e.db, ctx, &children[i])
			if err != nil {
				return nil, err
			}
			entries = append(entries, child)
		}
	}
	return &Result{Status: StatusOK, Entries: entries}, nil
}

// Check reports whether p exists in the catalog.
func (e *Engine) Check(ctx context.Context, p string) (*Result, error) {
	p = common.CanonicalPath(p)
	ok, err := e.catalog.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return status(StatusNotFound), nil
	}
	return e.List(ctx, p)
}

// Upload stores content at p. Two copies land on disk: the visible file
// and a stable copy under the metadata object, which post-processing
// reads even if the visible path later moves. The path lock covers the
// filesystem writes and the catalog registration together, and existence
// is re-checked under it, so a concurrent upload of the same path cannot
// truncate a winner's file or orphan its catalog row.
func (e *Engine) Upload(ctx context.Context, p string, r io.Reader) (res *Result, err error) {
	defer func() { recordOp("upload", res) }()
	p = common.CanonicalPath(p)

	if p == common.Sep || p == TrashRoot || inTrash(p) || inReserved(p) {
		return status(StatusNotAllowed), nil
	}
	exists, err := e.catalog.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if exists {
		return status(StatusConflict), nil
	}
	parentDir, err := e.catalog.IsDirWith(e.db, ctx, common.ParentPath(p))
	if err != nil {
		return nil, err
	}
	if !parentDir {
		return status(StatusNotAllowed), nil
	}

	metaID := uuid.NewString()
	metaDir := MetadataDir(metaID)
	binPath := metaDir + common.Sep + BinName(path.Ext(p))

	err = e.withLock(ctx, func() error {
		// The pre-check above raced any writer that held the lock
		// before us; only this check is authoritative.
		exists, err := e.catalog.Exists(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrConflict
		}
		if err := e.fs.MkdirAll(metaDir, dirMode); err != nil {
			return err
		}
		visible, err := e.fs.Create(p)
		if err != nil {
			cleanupFiles(e.fs, metaDir)
			return err
		}
		stable, err := e.fs.Create(binPath)
		if err != nil {
			visible.Close()
			cleanupFiles(e.fs, p, metaDir)
			return err
		}
		_, err = io.Copy(io.MultiWriter(visible, stable), r)
		if cerr := visible.Close(); err == nil {
			err = cerr
		}
		if cerr := stable.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			cleanupFiles(e.fs, p, metaDir)
			return err
		}
		err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			meta, err := e.catalog.PutWith(tx, ctx, p, metaID)
			if err != nil {
				return err
			}
			if _, err := e.catalog.PutWith(tx, ctx, binPath, uuid.NewString()); err != nil {
				return err
			}
			switch {
			case meta.IsVideo:
				if err := e.catalog.EnqueueTaskWith(tx, ctx, catalog.TaskVideoConvert, metaID, binPath); err != nil {
					return err
				}
			case meta.IsImage:
				for _, t := range catalog.ClassificationTaskTypes {
					if err := e.catalog.EnqueueTaskWith(tx, ctx, t, metaID, binPath); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			cleanupFiles(e.fs, p, metaDir)
			return err
		}
		return nil
	}, p)
	if err != nil {
		return resolve(err)
	}
	return status(StatusCreated), nil
}

// Download opens the content of the file at p, honoring an optional
// Range header value ("bytes=start-end").
func (e *Engine) Download(ctx context.Context, p, rangeSpec string) (dl *DownloadResult, err error) {
	defer func() {
		if dl != nil {
			metrics.RecordOperation("download", dl.Status.String())
		}
	}()
	p = common.CanonicalPath(p)

	fe, meta, err := e.catalog.Stat(ctx, p)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return &DownloadResult{Status: StatusNotFound}, nil
		}
		return nil, err
	}
	if fe.IsDirectory {
		return &DownloadResult{Status: StatusNotAllowed}, nil
	}

	start, end, partial, ok := parseRange(rangeSpec, meta.Size)
	if !ok {
		return &DownloadResult{Status: StatusUnprocessable}, nil
	}

	body, err := openSection(e.fs, p, start, end-start+1)
	if err != nil {
		return nil, err
	}
	st := StatusOK
	if partial {
		st = StatusPartial
	}
	return &DownloadResult{
		Status:    st,
		Body:      body,
		Start:     start,
		End:       end,
		Size:      meta.Size,
		MediaType: meta.InternetMediaType,
	}, nil
}

// parseRange interprets a single-range "bytes=start-end" header against
// a known size. Empty spec means the full content. Empty content has no
// satisfiable byte range, so any range is ignored and the whole
// zero-byte body is served; the inclusive end of -1 makes the window
// length come out as zero.
func parseRange(spec string, size int64) (start, end int64, partial, ok bool) {
	if size == 0 {
		return 0, -1, false, true
	}
	start, end = 0, size-1
	if spec == "" {
		return start, end, false, true
	}
	spec = strings.TrimPrefix(spec, "bytes=")
	lo, hi, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, false
	}
	if lo != "" {
		v, err := strconv.ParseInt(lo, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, false, false
		}
		start = v
	}
	if hi != "" {
		v, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || v < start {
			return 0, 0, false, false
		}
		if v < end {
			end = v
		}
	}
	if start > end {
		return 0, 0, false, false
	}
	return start, end, true, true
}

// Delete removes the resource at p. Content outside the trash is moved
// into a date-bucketed trash directory; trash content, empty
// directories, and the trash root itself are deleted for good.
func (e *Engine) Delete(ctx context.Context, p string) (res *Result, err error) {
	defer func() { recordOp("delete", res) }()
	p = common.CanonicalPath(p)

	if p == common.Sep || p == MetadataRoot || inReserved(p) {
		return status(StatusNotAllowed), nil
	}
	exists, err := e.catalog.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return status(StatusNotFound), nil
	}

	err = e.withLock(ctx, func() error {
		switch {
		case p == TrashRoot:
			return e.emptyTrash(ctx)
		case inTrash(p):
			return e.hardDelete(ctx, p)
		default:
			empty, err := e.catalog.IsEmptyWith(e.db, ctx, p)
			if err != nil {
				return err
			}
			isDir, err := e.catalog.IsDirWith(e.db, ctx, p)
			if err != nil {
				return err
			}
			if isDir && empty {
				return e.hardDelete(ctx, p)
			}
			return e.softDelete(ctx, p)
		}
	}, p)
	return resolve(err)
}

// emptyTrash drops every trash bucket but keeps the trash root.
func (e *Engine) emptyTrash(ctx context.Context) error {
	err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return e.catalog.DeleteDescendantsWith(tx, ctx, TrashRoot)
	})
	if err != nil {
		return err
	}
	children, err := e.fs.ReadDir(TrashRoot)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := removeAll(e.fs, TrashRoot+common.Sep+c.Name()); err != nil {
			return err
		}
	}
	return nil
}

// hardDelete removes p from the catalog and then from disk. The catalog
// goes first so a crash leaves an orphaned file rather than a dangling
// catalog row.
func (e *Engine) hardDelete(ctx context.Context, p string) error {
	err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.catalog.DeleteDescendantsWith(tx, ctx, p); err != nil {
			return err
		}
		return e.catalog.DeleteWith(tx, ctx, p)
	})
	if err != nil {
		return err
	}
	return removeAll(e.fs, p)
}

// softDelete moves p into a date-bucketed trash directory. The
// filesystem moves first; if the catalog refuses to follow, the entry is
// moved back.
func (e *Engine) softDelete(ctx context.Context, p string) error {
	bucket, err := TrashDir(e.now(), func(dir string) (bool, error) {
		return e.catalog.Exists(ctx, dir)
	})
	if err != nil {
		return err
	}
	return e.softDeleteInto(ctx, p, bucket)
}

// softDeleteInto places p under bucket. A concurrent delete may have
// registered the same bucket after it was picked, so its presence is
// re-checked inside the transaction and the bucket shared when already
// there. Compensation only ever touches dest: removing the bucket would
// take a concurrent winner's trashed files with it.
func (e *Engine) softDeleteInto(ctx context.Context, p, bucket string) error {
	dest := bucket + common.Sep + common.BaseName(p)

	if err := e.fs.MkdirAll(bucket, dirMode); err != nil {
		return err
	}
	if err := e.fs.Rename(p, dest); err != nil {
		return err
	}
	err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ok, err := e.catalog.ExistsWith(tx, ctx, bucket)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := e.catalog.MkdirWith(tx, ctx, bucket); err != nil {
				return err
			}
		}
		return e.catalog.MoveWith(tx, ctx, p, dest)
	})
	if err != nil {
		moveBack(e.fs, dest, p)
		return err
	}
	return nil
}

// Mkdir creates a directory at p. The parent must already exist as a
// directory.
func (e *Engine) Mkdir(ctx context.Context, p string) (res *Result, err error) {
	defer func() { recordOp("mkdir", res) }()
	p = common.CanonicalPath(p)

	if p == common.Sep || inReserved(p) || p == TrashRoot || inTrash(p) {
		return status(StatusNotAllowed), nil
	}
	exists, err := e.catalog.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if exists {
		return status(StatusConflict), nil
	}
	parentDir, err := e.catalog.IsDirWith(e.db, ctx, common.ParentPath(p))
	if err != nil {
		return nil, err
	}
	if !parentDir {
		return status(StatusNotAllowed), nil
	}

	if err := e.fs.MkdirAll(p, dirMode); err != nil {
		return nil, err
	}
	err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := e.catalog.MkdirWith(tx, ctx, p)
		return err
	})
	if err != nil {
		cleanupFiles(e.fs, p)
		return nil, err
	}
	return status(StatusCreated), nil
}

// Move renames src to dst, subtree included. Destinations inside the
// trash are rejected; sources inside the trash are allowed, which is how
// restore works.
func (e *Engine) Move(ctx context.Context, src, dst string) (res *Result, err error) {
	defer func() { recordOp("move", res) }()
	src = common.CanonicalPath(src)
	dst = common.CanonicalPath(dst)

	if res := e.checkTransfer(ctx, src, dst); res != nil {
		return res, nil
	}
	if ok, err := e.catalog.Exists(ctx, src); err != nil {
		return nil, err
	} else if !ok {
		return status(StatusConflict), nil
	}
	if ok, err := e.catalog.Exists(ctx, dst); err != nil {
		return nil, err
	} else if ok {
		return status(StatusConflict), nil
	}

	err = e.withLock(ctx, func() error {
		if err := e.fs.Rename(src, dst); err != nil {
			return err
		}
		err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return e.catalog.MoveWith(tx, ctx, src, dst)
		})
		if err != nil {
			moveBack(e.fs, dst, src)
			return err
		}
		return nil
	}, src, dst)
	return resolve(err)
}

// Copy duplicates src at dst. Copied entries get fresh identities but
// share the original content metadata.
func (e *Engine) Copy(ctx context.Context, src, dst string) (res *Result, err error) {
	defer func() { recordOp("copy", res) }()
	src = common.CanonicalPath(src)
	dst = common.CanonicalPath(dst)

	if res := e.checkTransfer(ctx, src, dst); res != nil {
		return res, nil
	}
	if ok, err := e.catalog.Exists(ctx, src); err != nil {
		return nil, err
	} else if !ok {
		return status(StatusConflict), nil
	}
	if ok, err := e.catalog.Exists(ctx, dst); err != nil {
		return nil, err
	} else if ok {
		return status(StatusConflict), nil
	}

	err = e.withLock(ctx, func() error {
		if err := copyTree(e.fs, src, dst); err != nil {
			return err
		}
		err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return e.catalog.CopyWith(tx, ctx, src, dst)
		})
		if err != nil {
			cleanupFiles(e.fs, dst)
			return err
		}
		return nil
	}, src, dst)
	return resolve(err)
}

// checkTransfer applies the shared move/copy validations. A nil return
// means the transfer may proceed.
func (e *Engine) checkTransfer(_ context.Context, src, dst string) *Result {
	if src == common.Sep || dst == common.Sep {
		return status(StatusNotAllowed)
	}
	if src == MetadataRoot || inReserved(src) || dst == MetadataRoot || inReserved(dst) {
		return status(StatusNotAllowed)
	}
	if src == TrashRoot || dst == TrashRoot || inTrash(dst) {
		return status(StatusNotAllowed)
	}
	if src == dst || common.IsWithin(src, dst) {
		return status(StatusNotAllowed)
	}
	return nil
}

// Tags returns the classification tags recorded for the file at p.
func (e *Engine) Tags(ctx context.Context, p string) ([]catalog.TagModel, *Result, error) {
	p = common.CanonicalPath(p)
	fe, err := e.catalog.Get(ctx, p)
	if err != nil {
		res, err := resolve(err)
		return nil, res, err
	}
	if fe.IsDirectory {
		return nil, status(StatusNotAllowed), nil
	}
	tags, err := e.catalog.TagsForMetadata(ctx, fe.MetadataID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}
	return tags, status(StatusOK), nil
}
