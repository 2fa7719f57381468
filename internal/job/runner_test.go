package job

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"depotfs/internal/catalog"
	"depotfs/internal/engine"
	"depotfs/internal/probe"
)

// fakeTranscoder writes placeholder artifacts into the managed filesystem
// and records every call.
type fakeTranscoder struct {
	mu         sync.Mutex
	fs         billy.Filesystem
	downscales []string
	thumbnails []string
	fail       bool
}

func (f *fakeTranscoder) Downscale(_ context.Context, src, dst string, width, bitrateKbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.downscales = append(f.downscales, dst)
	return billyutil.WriteFile(f.fs, dst, []byte("rendition"), 0o644)
}

func (f *fakeTranscoder) Thumbnail(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.thumbnails = append(f.thumbnails, dst)
	return billyutil.WriteFile(f.fs, dst, []byte("poster"), 0o644)
}

// fakeClassifier returns canned tags and counts warm-ups.
type fakeClassifier struct {
	mu         sync.Mutex
	loads      int
	classified []string
	tags       []probe.Tag
	loadErr    error
}

func (f *fakeClassifier) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.loadErr
}

func (f *fakeClassifier) Classify(_ context.Context, path string) ([]probe.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classified = append(f.classified, path)
	return f.tags, nil
}

type rig struct {
	runner     *Runner
	storage    *engine.Engine
	cat        *catalog.Catalog
	fs         billy.Filesystem
	transcoder *fakeTranscoder
	classifier *fakeClassifier
}

func newRig(t *testing.T, info *probe.Info) *rig {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs := memfs.New()
	cat := catalog.New(db, fs, &probe.StaticProber{Default: info})
	storage := engine.New(db, fs, cat)
	require.NoError(t, storage.EnsureLayout(context.Background()))

	transcoder := &fakeTranscoder{fs: fs}
	classifier := &fakeClassifier{tags: []probe.Tag{{Label: "cat", Score: 0.9}}}
	runner := New(cat, fs, transcoder, map[string]probe.Classifier{
		catalog.TaskGeneralClassify: classifier,
	}, time.Millisecond*10)

	return &rig{runner: runner, storage: storage, cat: cat, fs: fs, transcoder: transcoder, classifier: classifier}
}

func videoInfo(width int, kbps int64) *probe.Info {
	return &probe.Info{
		Duration:  12.5,
		Width:     width,
		BitRate:   kbps * 1024,
		MediaType: "video/mp4",
	}
}

func upload(t *testing.T, r *rig, p string) {
	t.Helper()
	res, err := r.storage.Upload(context.Background(), p, strings.NewReader("content bytes"))
	require.NoError(t, err)
	require.Equal(t, engine.StatusCreated, res.Status)
}

func pendingTasks(t *testing.T, c *catalog.Catalog, taskType string) []catalog.TaskModel {
	t.Helper()
	tasks, err := c.TasksByType(context.Background(), taskType)
	require.NoError(t, err)
	return tasks
}

func TestVideoTaskProducesFullLadder(t *testing.T) {
	r := newRig(t, videoInfo(1920, 5000))
	upload(t, r, "/movie.mp4")
	require.Len(t, pendingTasks(t, r.cat, catalog.TaskVideoConvert), 1)

	require.NoError(t, r.runner.RunOnce(context.Background()))

	assert.Empty(t, pendingTasks(t, r.cat, catalog.TaskVideoConvert))
	assert.Len(t, r.transcoder.downscales, 3)
	assert.Len(t, r.transcoder.thumbnails, 1)

	// Every artifact is registered in the catalog next to the stable copy.
	for _, dst := range append(r.transcoder.downscales, r.transcoder.thumbnails...) {
		ok, err := r.cat.Exists(context.Background(), dst)
		require.NoError(t, err)
		assert.True(t, ok, dst)
	}
}

func TestVideoLadderSkipsRungsAboveSource(t *testing.T) {
	r := newRig(t, videoInfo(1280, 1500))
	upload(t, r, "/clip.mp4")

	require.NoError(t, r.runner.RunOnce(context.Background()))

	// 640 applies (1500 kbps >= 1000 check); 1280 needs 2000 kbps; 1920
	// exceeds the source width.
	require.Len(t, r.transcoder.downscales, 1)
	assert.True(t, strings.HasSuffix(r.transcoder.downscales[0], "/640.mp4"))
	assert.Len(t, r.transcoder.thumbnails, 1)
}

func TestVideoTaskFailureLeavesTaskQueued(t *testing.T) {
	r := newRig(t, videoInfo(1920, 5000))
	upload(t, r, "/movie.mp4")
	r.transcoder.fail = true

	require.NoError(t, r.runner.RunOnce(context.Background()))
	assert.Len(t, pendingTasks(t, r.cat, catalog.TaskVideoConvert), 1)

	r.transcoder.fail = false
	require.NoError(t, r.runner.RunOnce(context.Background()))
	assert.Empty(t, pendingTasks(t, r.cat, catalog.TaskVideoConvert))
}

func TestClassificationConsumesConfiguredTypesOnly(t *testing.T) {
	r := newRig(t, &probe.Info{MediaType: "image/jpeg"})
	upload(t, r, "/pic.jpg")

	for _, taskType := range catalog.ClassificationTaskTypes {
		require.Len(t, pendingTasks(t, r.cat, taskType), 1, taskType)
	}

	require.NoError(t, r.runner.RunOnce(context.Background()))

	assert.Empty(t, pendingTasks(t, r.cat, catalog.TaskGeneralClassify))
	assert.Len(t, pendingTasks(t, r.cat, catalog.TaskFoodClassify), 1)
	assert.Len(t, pendingTasks(t, r.cat, catalog.TaskDanbooruClassify), 1)

	entry, err := r.cat.Get(context.Background(), "/pic.jpg")
	require.NoError(t, err)
	tags, err := r.cat.TagsForMetadata(context.Background(), entry.MetadataID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "cat", tags[0].Label)
	assert.Equal(t, catalog.TaskGeneralClassify, tags[0].Source)
}

func TestClassifierWarmsUpOncePerCycle(t *testing.T) {
	r := newRig(t, &probe.Info{MediaType: "image/jpeg"})
	upload(t, r, "/a.jpg")
	upload(t, r, "/b.jpg")

	require.NoError(t, r.runner.RunOnce(context.Background()))

	assert.Equal(t, 1, r.classifier.loads)
	assert.Len(t, r.classifier.classified, 2)
}

func TestClassifierLoadFailureSkipsCycle(t *testing.T) {
	r := newRig(t, &probe.Info{MediaType: "image/jpeg"})
	upload(t, r, "/pic.jpg")
	r.classifier.loadErr = assert.AnError

	require.NoError(t, r.runner.RunOnce(context.Background()))
	assert.Len(t, pendingTasks(t, r.cat, catalog.TaskGeneralClassify), 1)
	assert.Empty(t, r.classifier.classified)
}

func TestOrphanedTaskIsDropped(t *testing.T) {
	r := newRig(t, videoInfo(1920, 5000))

	err := r.cat.DB().RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		return r.cat.EnqueueTaskWith(tx, ctx, catalog.TaskVideoConvert, uuid.NewString(), "/.metadata/gone/bin.mp4")
	})
	require.NoError(t, err)

	require.NoError(t, r.runner.RunOnce(context.Background()))
	assert.Empty(t, pendingTasks(t, r.cat, catalog.TaskVideoConvert))
	assert.Empty(t, r.transcoder.downscales)
}

func TestRunnerLoopDrainsQueue(t *testing.T) {
	g := gomega.NewWithT(t)
	r := newRig(t, videoInfo(1920, 5000))
	upload(t, r, "/movie.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.runner.Start(ctx)
	defer r.runner.Stop()

	g.Eventually(func() int {
		return len(pendingTasks(t, r.cat, catalog.TaskVideoConvert))
	}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(gomega.Equal(0))
}
