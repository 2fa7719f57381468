package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"depotfs/internal/common"
	"depotfs/internal/engine"
	"depotfs/internal/metrics"
)

// REST wire types. The listing mirrors the engine's Result: the resource
// itself plus its direct children.

type entryJSON struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Directory  bool      `json:"directory"`
	Size       int64     `json:"size"`
	MediaType  string    `json:"media_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type listJSON struct {
	Dir   entryJSON   `json:"dir"`
	Child []entryJSON `json:"child"`
}

type statusJSON struct {
	Status string `json:"status"`
}

type tagJSON struct {
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

func toEntryJSON(e engine.Entry) entryJSON {
	return entryJSON{
		Path:       e.Path,
		Name:       e.Name,
		Directory:  e.IsDirectory,
		Size:       e.Size,
		MediaType:  e.MediaType,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, st engine.Status) {
	code := st.HTTPStatus()
	if code < 300 {
		writeJSON(w, code, statusJSON{Status: "success"})
		return
	}
	writeJSON(w, code, statusJSON{Status: st.String()})
}

func restPath(r *http.Request) string {
	return common.CanonicalPath(r.PathValue("path"))
}

func (s *Server) restList(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.List(r.Context(), restPath(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status != engine.StatusOK {
		writeStatus(w, res.Status)
		return
	}
	out := listJSON{Dir: toEntryJSON(res.Entries[0]), Child: []entryJSON{}}
	for _, e := range res.Entries[1:] {
		out.Child = append(out.Child, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restUpload(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Upload(r.Context(), restPath(r), r.Body)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status == engine.StatusCreated && r.ContentLength > 0 {
		recordUpload(r.ContentLength)
	}
	writeStatus(w, res.Status)
}

func (s *Server) restDownload(w http.ResponseWriter, r *http.Request) {
	s.handleDownload(w, r, restPath(r))
}

// handleDownload streams file content, shared between the REST and
// WebDAV GET surfaces. A Range header yields 206 with Content-Range.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p string) {
	dl, err := s.engine.Download(r.Context(), p, r.Header.Get("Range"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if dl.Status != engine.StatusOK && dl.Status != engine.StatusPartial {
		w.WriteHeader(dl.Status.HTTPStatus())
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", dl.MediaType)
	length := dl.End - dl.Start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if dl.Status == engine.StatusPartial {
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(dl.Start, 10)+"-"+strconv.FormatInt(dl.End, 10)+"/"+strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(dl.Status.HTTPStatus())

	n, err := io.Copy(w, dl.Body)
	if err != nil {
		// Client went away mid-stream; nothing to send anymore.
		log.WithField("path", p).WithError(err).Debug("download stream aborted")
	}
	metrics.RecordDownloadBytes(n)
}

func (s *Server) restDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Delete(r.Context(), restPath(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeStatus(w, res.Status)
}

func (s *Server) restMkdir(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Mkdir(r.Context(), restPath(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeStatus(w, res.Status)
}

func (s *Server) restMove(w http.ResponseWriter, r *http.Request) {
	dst := r.URL.Query().Get("rename_path")
	if dst == "" {
		writeJSON(w, http.StatusBadRequest, statusJSON{Status: "rename_path required"})
		return
	}
	res, err := s.engine.Move(r.Context(), restPath(r), common.CanonicalPath(dst))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeStatus(w, res.Status)
}

func (s *Server) restCopy(w http.ResponseWriter, r *http.Request) {
	dst := r.URL.Query().Get("copy_path")
	if dst == "" {
		writeJSON(w, http.StatusBadRequest, statusJSON{Status: "copy_path required"})
		return
	}
	res, err := s.engine.Copy(r.Context(), restPath(r), common.CanonicalPath(dst))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeStatus(w, res.Status)
}

func (s *Server) restTags(w http.ResponseWriter, r *http.Request) {
	tags, res, err := s.engine.Tags(r.Context(), restPath(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status != engine.StatusOK {
		writeStatus(w, res.Status)
		return
	}
	out := make([]tagJSON, 0, len(tags))
	for _, t := range tags {
		out = append(out, tagJSON{Label: t.Label, Score: t.Score, Source: t.Source})
	}
	writeJSON(w, http.StatusOK, out)
}

func recordUpload(n int64) {
	metrics.RecordUploadBytes(n)
}
