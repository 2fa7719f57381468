package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"depotfs/internal/common"
	"depotfs/internal/probe"
)

// Catalog is the relational metadata store mapping every managed path to
// FileEntry/MetadataEntry rows. It never manages its own transaction
// boundaries: every method takes a bun.IDB so the caller decides the
// transaction scope.
type Catalog struct {
	db     *bun.DB
	fs     billy.Filesystem
	prober probe.Prober
}

// New creates a Catalog over the given database handle. fs and prober are
// used by Put to stat and introspect the live file being registered.
func New(db *bun.DB, fs billy.Filesystem, prober probe.Prober) *Catalog {
	return &Catalog{db: db, fs: fs, prober: prober}
}

// DB returns the underlying database handle.
func (c *Catalog) DB() *bun.DB {
	return c.db
}

// subtree appends the exact-or-descendant match for p. Descendants use an
// escaped LIKE pattern; a bare prefix would also match siblings ("/ab" for "/a").
func subtree(q *bun.SelectQuery, p string) *bun.SelectQuery {
	return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("path = ?", p).
			WhereOr("path LIKE ? ESCAPE '\\'", common.DescendantPattern(p))
	})
}

// Exists reports whether a FileEntry row exists for the exact path.
func (c *Catalog) Exists(ctx context.Context, p string) (bool, error) {
	return c.ExistsWith(c.db, ctx, p)
}

// ExistsWith is like Exists but runs inside the provided bun.IDB.
func (c *Catalog) ExistsWith(idb bun.IDB, ctx context.Context, p string) (bool, error) {
	count, err := idb.NewSelect().
		Model((*FileEntryModel)(nil)).
		Where("path = ?", p).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get returns the FileEntry for the exact path, or common.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, p string) (*FileEntryModel, error) {
	return c.GetWith(c.db, ctx, p)
}

// GetWith is like Get but runs inside the provided bun.IDB.
func (c *Catalog) GetWith(idb bun.IDB, ctx context.Context, p string) (*FileEntryModel, error) {
	var entry FileEntryModel
	err := idb.NewSelect().
		Model(&entry).
		Where("path = ?", p).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetMetadataWith returns the MetadataEntry by id, or common.ErrNotFound.
func (c *Catalog) GetMetadataWith(idb bun.IDB, ctx context.Context, id string) (*MetadataEntryModel, error) {
	var meta MetadataEntryModel
	err := idb.NewSelect().
		Model(&meta).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Stat returns the FileEntry and its MetadataEntry for the exact path.
func (c *Catalog) Stat(ctx context.Context, p string) (*FileEntryModel, *MetadataEntryModel, error) {
	return c.StatWith(c.db, ctx, p)
}

// StatWith is like Stat but runs inside the provided bun.IDB.
func (c *Catalog) StatWith(idb bun.IDB, ctx context.Context, p string) (*FileEntryModel, *MetadataEntryModel, error) {
	entry, err := c.GetWith(idb, ctx, p)
	if err != nil {
		return nil, nil, err
	}
	meta, err := c.GetMetadataWith(idb, ctx, entry.MetadataID)
	if err != nil {
		return nil, nil, err
	}
	return entry, meta, nil
}

// IsFileWith reports whether the path exists and is a regular file.
func (c *Catalog) IsFileWith(idb bun.IDB, ctx context.Context, p string) (bool, error) {
	entry, err := c.GetWith(idb, ctx, p)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !entry.IsDirectory, nil
}

// IsDirWith reports whether the path exists and is a directory.
func (c *Catalog) IsDirWith(idb bun.IDB, ctx context.Context, p string) (bool, error) {
	entry, err := c.GetWith(idb, ctx, p)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.IsDirectory, nil
}

// IsEmptyWith reports whether the directory has no non-directory descendant.
// A directory holding only empty directories counts as empty.
func (c *Catalog) IsEmptyWith(idb bun.IDB, ctx context.Context, dir string) (bool, error) {
	q := idb.NewSelect().
		Model((*FileEntryModel)(nil)).
		Where("is_directory = ?", false)
	count, err := subtree(q, dir).Count(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// ListChildrenWith returns the direct children of a directory, by
// parent_path equality (never a prefix scan), ordered by path.
func (c *Catalog) ListChildrenWith(idb bun.IDB, ctx context.Context, parent string) ([]FileEntryModel, error) {
	var entries []FileEntryModel
	err := idb.NewSelect().
		Model(&entries).
		Where("parent_path = ?", parent).
		Order("path ASC").
		Scan(ctx)
	return entries, err
}

// SubtreeWith returns the entry at p and every descendant, ordered by path.
func (c *Catalog) SubtreeWith(idb bun.IDB, ctx context.Context, p string) ([]FileEntryModel, error) {
	var entries []FileEntryModel
	err := subtree(idb.NewSelect().Model(&entries), p).
		Order("path ASC").
		Scan(ctx)
	return entries, err
}

// AggregateWith returns the total content size and the latest update time
// over the subtree at p. Used for WebDAV collection quota properties.
func (c *Catalog) AggregateWith(idb bun.IDB, ctx context.Context, p string) (size int64, updatedAt int64, err error) {
	var totalSize, maxUpdated sql.NullInt64
	err = idb.NewRaw(`
		SELECT SUM(m.size), MAX(f.updated_at)
		FROM file_entries f
		JOIN metadata_entries m ON m.id = f.metadata_id
		WHERE f.path = ? OR f.path LIKE ? ESCAPE '\'`,
		p, common.DescendantPattern(p)).
		Scan(ctx, &totalSize, &maxUpdated)
	if err != nil {
		return 0, 0, err
	}
	return totalSize.Int64, maxUpdated.Int64, nil
}

// PutWith probes the live file at p and inserts its MetadataEntry plus
// FileEntry in one go. metadataID names the content; pass a fresh id for
// new uploads. Probe failures are non-fatal: the rows are written with
// empty default metadata instead of failing the caller.
func (c *Catalog) PutWith(idb bun.IDB, ctx context.Context, p, metadataID string) (*MetadataEntryModel, error) {
	fi, err := c.fs.Stat(p)
	if err != nil {
		return nil, err
	}

	info, err := c.prober.Probe(ctx, p)
	if err != nil {
		log.WithField("path", p).WithError(err).Warn("probe failed, registering with default metadata")
		info = &probe.Info{MediaType: "application/octet-stream"}
	}
	data, _ := json.Marshal(info)

	now := time.Now().Unix()
	meta := &MetadataEntryModel{
		ID:                metadataID,
		Suffix:            path.Ext(p),
		Size:              fi.Size(),
		InternetMediaType: info.MediaType,
		IsVideo:           info.IsVideo(),
		IsImage:           info.IsImage(),
		Data:              data,
		CreatedAt:         now,
	}
	if _, err := idb.NewInsert().Model(meta).Exec(ctx); err != nil {
		return nil, err
	}

	entry := &FileEntryModel{
		ID:          uuid.NewString(),
		MetadataID:  metadataID,
		Path:        p,
		ParentPath:  common.ParentPath(p),
		IsDirectory: false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := idb.NewInsert().Model(entry).Exec(ctx); err != nil {
		return nil, err
	}
	return meta, nil
}

// MkdirWith inserts a directory FileEntry referencing a zero-value
// MetadataEntry. The caller is responsible for existence checks.
func (c *Catalog) MkdirWith(idb bun.IDB, ctx context.Context, p string) (*MetadataEntryModel, error) {
	now := time.Now().Unix()
	meta := &MetadataEntryModel{
		ID:                uuid.NewString(),
		Size:              0,
		InternetMediaType: "inode/directory",
		CreatedAt:         now,
	}
	if _, err := idb.NewInsert().Model(meta).Exec(ctx); err != nil {
		return nil, err
	}
	entry := &FileEntryModel{
		ID:          uuid.NewString(),
		MetadataID:  meta.ID,
		Path:        p,
		ParentPath:  common.ParentPath(p),
		IsDirectory: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := idb.NewInsert().Model(entry).Exec(ctx); err != nil {
		return nil, err
	}
	return meta, nil
}

// DeleteWith removes the FileEntry at p and every descendant, cascading to
// metadata, tags and tasks that are no longer referenced.
func (c *Catalog) DeleteWith(idb bun.IDB, ctx context.Context, p string) error {
	entries, err := c.SubtreeWith(idb, ctx, p)
	if err != nil {
		return err
	}
	return c.deleteEntries(idb, ctx, entries)
}

// DeleteDescendantsWith removes every descendant of p but keeps p itself.
// Used to empty the trash while preserving the trash root entry.
func (c *Catalog) DeleteDescendantsWith(idb bun.IDB, ctx context.Context, p string) error {
	var entries []FileEntryModel
	err := idb.NewSelect().
		Model(&entries).
		Where("path LIKE ? ESCAPE '\\'", common.DescendantPattern(p)).
		Scan(ctx)
	if err != nil {
		return err
	}
	return c.deleteEntries(idb, ctx, entries)
}

func (c *Catalog) deleteEntries(idb bun.IDB, ctx context.Context, entries []FileEntryModel) error {
	if len(entries) == 0 {
		return nil
	}
	fileIDs := make([]string, 0, len(entries))
	metaIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		fileIDs = append(fileIDs, e.ID)
		metaIDs = append(metaIDs, e.MetadataID)
	}

	if _, err := idb.NewDelete().
		Model((*FileEntryModel)(nil)).
		Where("id IN (?)", bun.In(fileIDs)).
		Exec(ctx); err != nil {
		return err
	}

	// Metadata may be shared by copies; only drop records nothing references.
	var orphaned []string
	err := idb.NewRaw(`
		SELECT m.id FROM metadata_entries m
		WHERE m.id IN (?) AND NOT EXISTS (
			SELECT 1 FROM file_entries f WHERE f.metadata_id = m.id
		)`, bun.In(metaIDs)).
		Scan(ctx, &orphaned)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}
	if _, err := idb.NewDelete().
		Model((*MetadataEntryModel)(nil)).
		Where("id IN (?)", bun.In(orphaned)).
		Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().
		Model((*TagModel)(nil)).
		Where("metadata_id IN (?)", bun.In(orphaned)).
		Exec(ctx); err != nil {
		return err
	}
	_, err = idb.NewDelete().
		Model((*TaskModel)(nil)).
		Where("metadata_id IN (?)", bun.In(orphaned)).
		Exec(ctx)
	return err
}

// MoveWith rewrites path and parent_path for the entry at src and every
// descendant, preserving ids and metadata (same content, new location).
func (c *Catalog) MoveWith(idb bun.IDB, ctx context.Context, src, dst string) error {
	entries, err := c.SubtreeWith(idb, ctx, src)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range entries {
		newPath := joinRel(dst, common.RelPath(src, e.Path))
		if _, err := idb.NewUpdate().
			Model((*FileEntryModel)(nil)).
			Set("path = ?", newPath).
			Set("parent_path = ?", common.ParentPath(newPath)).
			Set("updated_at = ?", now).
			Where("id = ?", e.ID).
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CopyWith clones the entry at src and every descendant under dst with
// fresh FileEntry ids. The MetadataEntry is shared by id: it is immutable
// content description, so cloning it would only force a redundant re-probe.
func (c *Catalog) CopyWith(idb bun.IDB, ctx context.Context, src, dst string) error {
	entries, err := c.SubtreeWith(idb, ctx, src)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range entries {
		newPath := joinRel(dst, common.RelPath(src, e.Path))
		clone := &FileEntryModel{
			ID:          uuid.NewString(),
			MetadataID:  e.MetadataID,
			Path:        newPath,
			ParentPath:  common.ParentPath(newPath),
			IsDirectory: e.IsDirectory,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := idb.NewInsert().Model(clone).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueTaskWith inserts a deferred post-processing task. binPath is the
// stable metadata-object copy of the content, immune to later moves of the
// visible path.
func (c *Catalog) EnqueueTaskWith(idb bun.IDB, ctx context.Context, taskType, metadataID, binPath string) error {
	task := &TaskModel{
		ID:         uuid.NewString(),
		Type:       taskType,
		MetadataID: metadataID,
		Path:       binPath,
		AddedAt:    time.Now().Unix(),
	}
	_, err := idb.NewInsert().Model(task).Exec(ctx)
	return err
}

// TasksByType returns all pending tasks of the given type, oldest first.
func (c *Catalog) TasksByType(ctx context.Context, taskType string) ([]TaskModel, error) {
	var tasks []TaskModel
	err := c.db.NewSelect().
		Model(&tasks).
		Where("type = ?", taskType).
		Order("added_at ASC").
		Scan(ctx)
	return tasks, err
}

// DeleteTaskWith removes a consumed task row.
func (c *Catalog) DeleteTaskWith(idb bun.IDB, ctx context.Context, id string) error {
	_, err := idb.NewDelete().
		Model((*TaskModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// InsertTagsWith records classification results for a metadata entry.
func (c *Catalog) InsertTagsWith(idb bun.IDB, ctx context.Context, metadataID, source string, tags []probe.Tag) error {
	now := time.Now().Unix()
	for _, t := range tags {
		row := &TagModel{
			ID:         uuid.NewString(),
			MetadataID: metadataID,
			Label:      t.Label,
			Score:      t.Score,
			Source:     source,
			CreatedAt:  now,
		}
		if _, err := idb.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TagsForMetadata returns all tags recorded for a metadata entry, highest
// confidence first.
func (c *Catalog) TagsForMetadata(ctx context.Context, metadataID string) ([]TagModel, error) {
	var tags []TagModel
	err := c.db.NewSelect().
		Model(&tags).
		Where("metadata_id = ?", metadataID).
		Order("score DESC", "label ASC").
		Scan(ctx)
	return tags, err
}

// joinRel attaches a relative remainder to a destination path.
func joinRel(dst, rel string) string {
	if rel == "" {
		return dst
	}
	return path.Join(dst, rel)
}
