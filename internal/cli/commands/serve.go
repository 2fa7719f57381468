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

package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"depotfs/internal/catalog"
	"depotfs/internal/engine"
	"depotfs/internal/job"
	"depotfs/internal/probe"
	"depotfs/internal/server"
	"depotfs/internal/util"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage gateway",
	Long: `Starts the WebDAV/REST gateway over the configured managed root,
bootstraps the catalog database and launches the post-processing runner.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := server.LoadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if err := server.ConfigureLogging(cfg.Logging); err != nil {
		return err
	}

	// One gateway per managed root. A second instance would race the
	// catalog's path locks and the filesystem compensation logic.
	rootLock := flock.New(filepath.Join(cfg.Root, ".depotfs.lock"))
	locked, err := rootLock.TryLock()
	if err != nil {
		return fmt.Errorf("lock managed root: %w", err)
	}
	if !locked {
		return fmt.Errorf("managed root %s is already served by another instance", cfg.Root)
	}
	defer rootLock.Unlock()

	db, err := catalog.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	fs := osfs.New(cfg.Root)
	prober := &probe.FFProbe{Root: cfg.Root, Bin: cfg.Jobs.FFprobeBin}
	cat := catalog.New(db, fs, prober)
	eng := engine.New(db, fs, cat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.EnsureLayout(ctx); err != nil {
		return err
	}

	transcoder := &probe.FFmpeg{Root: cfg.Root, Bin: cfg.Jobs.FFmpegBin}
	classifiers := make(map[string]probe.Classifier, len(cfg.Jobs.Classifiers))
	for taskType, endpoint := range cfg.Jobs.Classifiers {
		classifiers[taskType] = &probe.HTTPClassifier{Endpoint: endpoint, Root: cfg.Root}
	}
	runner := job.New(cat, fs, transcoder, classifiers, cfg.Jobs.Interval)
	runner.Start(ctx)
	defer runner.Stop()

	srv := server.New(cfg, eng)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// Log readiness once the listener answers; failures surface on errCh.
	go func() {
		healthURL := "http://" + cfg.Listen + "/health"
		err := util.PollUntil(ctx, util.DefaultPollConfig(), func() bool {
			res, err := http.Get(healthURL)
			if err != nil {
				return false
			}
			res.Body.Close()
			return res.StatusCode == http.StatusOK
		})
		if err == nil {
			logrus.WithField("listen", cfg.Listen).Info("gateway ready")
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
