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

// Package job runs the deferred post-processing queue: video renditions,
// poster thumbnails and image classification. Tasks are produced by
// uploads and consumed here, one commit per task, so a crash mid-cycle
// loses at most the task in flight.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"depotfs/internal/catalog"
	"depotfs/internal/common"
	"depotfs/internal/metrics"
	"depotfs/internal/probe"
	"depotfs/internal/util"
)

var log = logrus.WithField("component", "job")

// DefaultInterval is how often the runner scans the task queue.
const DefaultInterval = 30 * time.Second

// rendition is one rung of the downscale ladder. A rung is produced only
// when the source is at least as wide AND at least as dense as the rung's
// check threshold; upscaling or re-encoding at a higher bitrate than the
// source carries is pointless.
type rendition struct {
	width     int
	checkKbps int64 // minimum source bitrate for this rung to apply
	outKbps   int   // target bitrate of the rendition
}

var ladder = []rendition{
	{width: 640, checkKbps: 1000, outKbps: 250},
	{width: 1280, checkKbps: 2000, outKbps: 500},
	{width: 1920, checkKbps: 4000, outKbps: 1000},
}

const thumbnailName = "thumbnail.jpg"

// Runner drains the post-processing queue on a fixed interval.
type Runner struct {
	cat         *catalog.Catalog
	fs          billy.Filesystem
	transcoder  probe.Transcoder
	classifiers map[string]probe.Classifier // keyed by task type
	interval    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Runner. classifiers maps classification task types to
// their backends; types without a backend are left untouched in the
// queue. A zero interval means DefaultInterval.
func New(cat *catalog.Catalog, fs billy.Filesystem, transcoder probe.Transcoder, classifiers map[string]probe.Classifier, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		cat:         cat,
		fs:          fs,
		transcoder:  transcoder,
		classifiers: classifiers,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		log.WithField("interval", r.interval).Info("post-processing runner started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					log.WithError(err).Error("post-processing cycle failed")
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight cycle to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// RunOnce executes a single full cycle: every pending video task, then
// every classification type with a configured backend. Task failures are
// isolated; the cycle keeps going.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.runVideoTasks(ctx); err != nil {
		return err
	}
	return r.runClassificationTasks(ctx)
}

func (r *Runner) runVideoTasks(ctx context.Context) error {
	tasks, err := r.pendingTasks(ctx, catalog.TaskVideoConvert)
	if err != nil {
		return fmt.Errorf("list video tasks: %w", err)
	}
	metrics.SetTasksPending(catalog.TaskVideoConvert, len(tasks))

	for i := range tasks {
		task := &tasks[i]
		start := time.Now()
		err := r.processVideoTask(ctx, task)
		metrics.RecordTask(catalog.TaskVideoConvert, time.Since(start), err == nil)
		if err != nil {
			// Left in the queue; the next cycle retries.
			log.WithField("task", task.ID).WithField("path", task.Path).
				WithError(err).Error("video task failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// processVideoTask renders the applicable downscale rungs plus a poster
// thumbnail next to the stable copy, registers the artifacts, and
// consumes the task in one commit.
func (r *Runner) processVideoTask(ctx context.Context, task *catalog.TaskModel) error {
	meta, err := r.lookupMetadata(ctx, task)
	if err != nil || meta == nil {
		return err
	}

	var info probe.Info
	if err := json.Unmarshal(meta.Data, &info); err != nil {
		log.WithField("task", task.ID).WithError(err).Warn("unreadable probe data, dropping task")
		return r.consumeTask(ctx, task.ID)
	}

	dir := path.Dir(task.Path)
	var produced []string
	for _, rung := range ladder {
		if info.Width < rung.width || info.BitRate < rung.checkKbps*1024 {
			continue
		}
		dst := dir + "/" + fmt.Sprintf("%d.mp4", rung.width)
		if err := r.transcoder.Downscale(ctx, task.Path, dst, rung.width, rung.outKbps); err != nil {
			return fmt.Errorf("rendition %d: %w", rung.width, err)
		}
		produced = append(produced, dst)
	}

	thumb := dir + "/" + thumbnailName
	if err := r.transcoder.Thumbnail(ctx, task.Path, thumb); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	produced = append(produced, thumb)

	db := r.cat.DB()
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, p := range produced {
			if _, err := r.cat.PutWith(tx, ctx, p, uuid.NewString()); err != nil {
				return fmt.Errorf("register %s: %w", p, err)
			}
		}
		return r.cat.DeleteTaskWith(tx, ctx, task.ID)
	})
}

func (r *Runner) runClassificationTasks(ctx context.Context) error {
	for _, taskType := range catalog.ClassificationTaskTypes {
		tasks, err := r.pendingTasks(ctx, taskType)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", taskType, err)
		}
		metrics.SetTasksPending(taskType, len(tasks))
		if len(tasks) == 0 {
			continue
		}

		classifier, ok := r.classifiers[taskType]
		if !ok {
			// No backend configured: the tasks stay queued so a later
			// deployment with the backend enabled can pick them up.
			continue
		}

		// One warm-up per cycle, amortized over every task of the type.
		if err := classifier.Load(ctx); err != nil {
			log.WithField("type", taskType).WithError(err).Warn("classifier unavailable, skipping cycle")
			continue
		}

		for i := range tasks {
			task := &tasks[i]
			start := time.Now()
			err := r.processClassificationTask(ctx, taskType, classifier, task)
			metrics.RecordTask(taskType, time.Since(start), err == nil)
			if err != nil {
				log.WithField("task", task.ID).WithField("path", task.Path).
					WithError(err).Error("classification task failed")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (r *Runner) processClassificationTask(ctx context.Context, taskType string, classifier probe.Classifier, task *catalog.TaskModel) error {
	meta, err := r.lookupMetadata(ctx, task)
	if err != nil || meta == nil {
		return err
	}

	tags, err := classifier.Classify(ctx, task.Path)
	if err != nil {
		return err
	}

	db := r.cat.DB()
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := r.cat.InsertTagsWith(tx, ctx, task.MetadataID, taskType, tags); err != nil {
			return err
		}
		return r.cat.DeleteTaskWith(tx, ctx, task.ID)
	})
}

// lookupMetadata resolves a task's metadata row. A missing row means the
// content was deleted after enqueue; the task is consumed silently and
// nil metadata is returned.
func (r *Runner) lookupMetadata(ctx context.Context, task *catalog.TaskModel) (*catalog.MetadataEntryModel, error) {
	meta, err := r.cat.GetMetadataWith(r.cat.DB(), ctx, task.MetadataID)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	log.WithField("task", task.ID).Debug("metadata gone, dropping orphaned task")
	return nil, r.consumeTask(ctx, task.ID)
}

// pendingTasks scans the queue for one task type. The scan shares the
// catalog with request traffic, so transient SQLite lock errors are
// retried rather than failing the whole cycle.
func (r *Runner) pendingTasks(ctx context.Context, taskType string) ([]catalog.TaskModel, error) {
	return util.RetryWithResult(ctx, func() ([]catalog.TaskModel, error) {
		return r.cat.TasksByType(ctx, taskType)
	}, util.DatabaseRetryOptions(ctx)...)
}

func (r *Runner) consumeTask(ctx context.Context, id string) error {
	db := r.cat.DB()
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return r.cat.DeleteTaskWith(tx, ctx, id)
	})
}
