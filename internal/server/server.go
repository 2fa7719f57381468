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

// Package server exposes the storage engine over WebDAV and a JSON REST
// API on a single listener, plus /metrics and /health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"depotfs/internal/engine"
	"depotfs/internal/metrics"
)

var log = logrus.WithField("component", "server")

// Server routes HTTP traffic to the storage engine.
type Server struct {
	cfg    *Config
	engine *engine.Engine
	http   *http.Server
}

// New wires the mux and returns a Server ready to listen on cfg.Listen.
func New(cfg *Config, eng *engine.Engine) *Server {
	s := &Server{cfg: cfg, engine: eng}

	mux := http.NewServeMux()
	mux.HandleFunc(WebDAVPrefix+"/", s.webdavHandler)
	mux.HandleFunc(WebDAVPrefix, s.webdavHandler)

	mux.HandleFunc("GET /list/{path...}", s.restList)
	mux.HandleFunc("PUT /upload/{path...}", s.restUpload)
	mux.HandleFunc("GET /download/{path...}", s.restDownload)
	mux.HandleFunc("DELETE /delete/{path...}", s.restDelete)
	mux.HandleFunc("POST /mkdir/{path...}", s.restMkdir)
	mux.HandleFunc("POST /move/{path...}", s.restMove)
	mux.HandleFunc("POST /copy/{path...}", s.restCopy)
	mux.HandleFunc("GET /tags/{path...}", s.restTags)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusJSON{Status: "ok"})
	})

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.withMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wired HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.WithField("listen", s.cfg.Listen).Info("gateway listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// withMiddleware stacks request logging and prometheus instrumentation.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request handled")
	})
	return metrics.Middleware(logged)
}

// internalError reports an unexpected engine failure. The original
// surface hides internals behind 404; the detail goes to the log.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).WithError(err).Error("request failed")
	w.WriteHeader(http.StatusNotFound)
}
