package engine

import (
	"fmt"
	"time"

	"depotfs/internal/common"
)

// Reserved locations under the managed root. Catalog paths are canonical
// and rooted at "/".
const (
	// MetadataRoot holds one UUID-named directory per uploaded blob: a
	// stable copy of the content plus derived artifacts, independent of
	// the visible path.
	MetadataRoot = "/.metadata"

	// TrashRoot is the soft-delete destination, bucketed by day.
	TrashRoot = "/.trashbin"
)

// MetadataDir returns the metadata-object directory for a content id.
func MetadataDir(id string) string {
	return MetadataRoot + common.Sep + id
}

// BinName returns the name of the stable content copy inside a
// metadata-object directory.
func BinName(suffix string) string {
	return "bin" + suffix
}

// TrashDir computes a fresh date-bucketed trash directory. If the plain
// date bucket is already taken a numeric suffix disambiguates, so every
// soft-delete gets its own bucket and names can never collide.
func TrashDir(now time.Time, exists func(string) (bool, error)) (string, error) {
	date := now.Format("2006-01-02")
	for n := 0; ; n++ {
		name := date
		if n > 0 {
			name = fmt.Sprintf("%s-%04d", date, n)
		}
		p := TrashRoot + common.Sep + name
		taken, err := exists(p)
		if err != nil {
			return "", err
		}
		if !taken {
			return p, nil
		}
	}
}

// inReserved reports whether p is a reserved location or inside one.
func inReserved(p string) bool {
	return p == MetadataRoot || common.IsWithin(MetadataRoot, p)
}

// inTrash reports whether p is inside the trash subtree (not the trash
// root itself).
func inTrash(p string) bool {
	return common.IsWithin(TrashRoot, p)
}
