package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"depotfs/internal/catalog"
	"depotfs/internal/engine"
	"depotfs/internal/job"
	"depotfs/internal/probe"
)

// diskWriter fakes the transcoder against the real on-disk root.
type diskWriter struct {
	root string
}

func (d *diskWriter) Downscale(_ context.Context, _, dst string, _, _ int) error {
	return d.write(dst)
}

func (d *diskWriter) Thumbnail(_ context.Context, _, dst string) error {
	return d.write(dst)
}

func (d *diskWriter) write(p string) error {
	return os.WriteFile(filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(p, "/"))), []byte("artifact"), 0o644)
}

// TestGatewayEndToEnd drives the whole stack against a real directory:
// HTTP surface, engine, catalog file and the post-processing runner.
func TestGatewayEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	root := t.TempDir()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer db.Close()

	fs := osfs.New(root)
	videoInfo := &probe.Info{Duration: 9, Width: 1920, BitRate: 5000 * 1024, MediaType: "video/mp4"}
	cat := catalog.New(db, fs, &probe.StaticProber{Default: videoInfo})
	eng := engine.New(db, fs, cat)
	if err := eng.EnsureLayout(context.Background()); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}

	runner := job.New(cat, fs, &diskWriter{root: root}, nil, time.Hour)

	ts := httptest.NewServer(New(&Config{Listen: "127.0.0.1:0"}, eng).Handler())
	defer ts.Close()

	put, err := http.NewRequest(http.MethodPut, ts.URL+"/webdav/movie.mp4", strings.NewReader("raw video bytes"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.DefaultClient.Do(put)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", res.StatusCode)
	}

	// The visible file is on disk.
	if _, err := os.Stat(filepath.Join(root, "movie.mp4")); err != nil {
		t.Fatalf("visible file missing: %v", err)
	}

	// One metadata object with a stable copy exists.
	objects, err := os.ReadDir(filepath.Join(root, ".metadata"))
	if err != nil || len(objects) != 1 {
		t.Fatalf("metadata objects = %v (err %v), want exactly one", objects, err)
	}
	binDir := filepath.Join(root, ".metadata", objects[0].Name())
	if _, err := os.Stat(filepath.Join(binDir, "bin.mp4")); err != nil {
		t.Fatalf("stable copy missing: %v", err)
	}

	// The runner consumes the video task and drops artifacts next to it.
	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("job cycle: %v", err)
	}
	for _, name := range []string{"640.mp4", "1280.mp4", "1920.mp4", "thumbnail.jpg"} {
		if _, err := os.Stat(filepath.Join(binDir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}

	// Soft delete: gone from the visible tree, present in a trash bucket.
	del, _ := http.NewRequest(http.MethodDelete, ts.URL+"/delete/movie.mp4", nil)
	res, err = http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", res.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(root, "movie.mp4")); !os.IsNotExist(err) {
		t.Fatalf("visible file still present after delete (err %v)", err)
	}
	buckets, err := os.ReadDir(filepath.Join(root, ".trashbin"))
	if err != nil || len(buckets) != 1 {
		t.Fatalf("trash buckets = %v (err %v), want exactly one", buckets, err)
	}
	trashed := filepath.Join(root, ".trashbin", buckets[0].Name(), "movie.mp4")
	if _, err := os.Stat(trashed); err != nil {
		t.Fatalf("trashed file missing: %v", err)
	}

	// Restore via WebDAV MOVE out of the trash.
	move, _ := http.NewRequest("MOVE", ts.URL+"/webdav/.trashbin/"+buckets[0].Name()+"/movie.mp4", nil)
	move.Header.Set("Destination", "/webdav/movie.mp4")
	res, err = http.DefaultClient.Do(move)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d, want 200", res.StatusCode)
	}

	get, _ := http.NewRequest(http.MethodGet, ts.URL+"/download/movie.mp4", nil)
	res, err = http.DefaultClient.Do(get)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if string(data) != "raw video bytes" {
		t.Fatalf("restored content = %q", data)
	}
}
