package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depotfs/internal/catalog"
	"depotfs/internal/engine"
	"depotfs/internal/probe"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs := memfs.New()
	cat := catalog.New(db, fs, &probe.StaticProber{Default: &probe.Info{MediaType: "text/plain"}})
	eng := engine.New(db, fs, cat)
	require.NoError(t, eng.EnsureLayout(context.Background()))

	srv := New(&Config{Listen: "127.0.0.1:0"}, eng)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

func TestRestUploadListDownloadDelete(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, http.MethodPost, ts.URL+"/mkdir/docs", nil, nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res = do(t, http.MethodPut, ts.URL+"/upload/docs/note.txt", strings.NewReader("remember this"), nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/list/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := readBody(t, res)
	assert.Contains(t, body, `"path":"/docs"`)
	assert.Contains(t, body, `"path":"/docs/note.txt"`)
	assert.Contains(t, body, `"media_type":"text/plain"`)

	res = do(t, http.MethodGet, ts.URL+"/download/docs/note.txt", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "remember this", readBody(t, res))

	res = do(t, http.MethodDelete, ts.URL+"/delete/docs/note.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/download/docs/note.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRestRangeDownload(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/upload/r.txt", strings.NewReader("0123456789"), nil)

	res := do(t, http.MethodGet, ts.URL+"/download/r.txt", nil, map[string]string{"Range": "bytes=2-5"})
	require.Equal(t, http.StatusPartialContent, res.StatusCode)
	assert.Equal(t, "bytes 2-5/10", res.Header.Get("Content-Range"))
	assert.Equal(t, "4", res.Header.Get("Content-Length"))
	assert.Equal(t, "2345", readBody(t, res))
}

func TestRestEmptyFileDownload(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, http.MethodPut, ts.URL+"/upload/empty.txt", strings.NewReader(""), nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/download/empty.txt", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0", res.Header.Get("Content-Length"))
	assert.Empty(t, readBody(t, res))

	// A range on empty content is ignored rather than faking a window.
	res = do(t, http.MethodGet, ts.URL+"/download/empty.txt", nil, map[string]string{"Range": "bytes=0-0"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0", res.Header.Get("Content-Length"))
	assert.Empty(t, readBody(t, res))
}

func TestRestStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/upload/a.txt", strings.NewReader("x"), nil)

	res := do(t, http.MethodPut, ts.URL+"/upload/a.txt", strings.NewReader("y"), nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = do(t, http.MethodPost, ts.URL+"/mkdir/.metadata/evil", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res = do(t, http.MethodDelete, ts.URL+"/delete/.metadata", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/list/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = do(t, http.MethodPost, ts.URL+"/move/a.txt", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRestMoveAndCopy(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/upload/src.txt", strings.NewReader("content"), nil)

	res := do(t, http.MethodPost, ts.URL+"/copy/src.txt?copy_path=/dup.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, http.MethodPost, ts.URL+"/move/src.txt?rename_path=/moved.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/download/moved.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res = do(t, http.MethodGet, ts.URL+"/download/dup.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res = do(t, http.MethodGet, ts.URL+"/download/src.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWebDAVPropfind(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/webdav/report.txt", strings.NewReader("dav content"), nil)

	res := do(t, "PROPFIND", ts.URL+"/webdav/", nil, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, res.StatusCode)
	assert.Equal(t, "application/xml; charset=utf-8", res.Header.Get("Content-Type"))

	body := readBody(t, res)
	assert.Contains(t, body, `<D:multistatus xmlns:D="DAV:">`)
	assert.Contains(t, body, "<D:href>/webdav/</D:href>")
	assert.Contains(t, body, "<D:href>/webdav/report.txt</D:href>")
	assert.Contains(t, body, "<D:collection>")
	assert.Contains(t, body, "<D:getcontentlength>11</D:getcontentlength>")
	assert.Contains(t, body, "<D:getcontenttype>text/plain</D:getcontenttype>")
	assert.Contains(t, body, "<D:quota-used-bytes>")
	assert.Contains(t, body, "GMT</D:getlastmodified>")
}

func TestWebDAVPropfindDepthZero(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/webdav/only.txt", strings.NewReader("x"), nil)

	res := do(t, "PROPFIND", ts.URL+"/webdav/", nil, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, res.StatusCode)

	body := readBody(t, res)
	assert.Equal(t, 1, strings.Count(body, "<D:response>"), "only the collection itself")
	assert.Contains(t, body, "<D:href>/webdav/</D:href>")
	assert.NotContains(t, body, "only.txt")
}

func TestWebDAVPropfindFile(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/webdav/solo.txt", strings.NewReader("abc"), nil)

	res := do(t, "PROPFIND", ts.URL+"/webdav/solo.txt", nil, nil)
	require.Equal(t, http.StatusMultiStatus, res.StatusCode)
	body := readBody(t, res)
	assert.Contains(t, body, "<D:getcontentlength>3</D:getcontentlength>")
	assert.NotContains(t, body, "<D:collection>")

	res = do(t, "PROPFIND", ts.URL+"/webdav/missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWebDAVMkcolMoveCopy(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, "MKCOL", ts.URL+"/webdav/media", nil, nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	do(t, http.MethodPut, ts.URL+"/webdav/media/a.txt", strings.NewReader("payload"), nil)

	// Absolute-URL destination, the way real clients send it.
	res = do(t, "COPY", ts.URL+"/webdav/media/a.txt", nil, map[string]string{
		"Destination": ts.URL + "/webdav/media/b.txt",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, "MOVE", ts.URL+"/webdav/media/a.txt", nil, map[string]string{
		"Destination": "/webdav/media/c.txt",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/webdav/media/b.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res = do(t, http.MethodGet, ts.URL+"/webdav/media/c.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res = do(t, http.MethodGet, ts.URL+"/webdav/media/a.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = do(t, "MOVE", ts.URL+"/webdav/media/c.txt", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWebDAVHeadOptionsLockUnlock(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/webdav/f.txt", strings.NewReader("x"), nil)

	res := do(t, http.MethodHead, ts.URL+"/webdav/f.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = do(t, http.MethodHead, ts.URL+"/webdav/missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = do(t, http.MethodOptions, ts.URL+"/webdav/f.txt", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "1, 2", res.Header.Get("DAV"))
	assert.Contains(t, res.Header.Get("Allow"), "PROPFIND")

	res = do(t, "LOCK", ts.URL+"/webdav/f.txt", nil, nil)
	require.Equal(t, http.StatusMultiStatus, res.StatusCode)
	body := readBody(t, res)
	assert.Contains(t, body, "<D:lockdiscovery>")
	assert.Contains(t, body, "<D:locktoken>")

	res = do(t, "UNLOCK", ts.URL+"/webdav/f.txt", nil, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res := do(t, http.MethodGet, ts.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, readBody(t, res), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPut, ts.URL+"/upload/m.txt", strings.NewReader("x"), nil)

	res := do(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := readBody(t, res)
	assert.Contains(t, body, "depotfs_http_requests_total")
	assert.Contains(t, body, `depotfs_operations_total{operation="upload",status="created"}`)
	assert.Contains(t, body, "depotfs_lock_conflicts_total")
}
