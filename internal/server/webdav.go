package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"depotfs/internal/common"
	"depotfs/internal/engine"
)

// WebDAVPrefix is the URL prefix of the WebDAV surface.
const WebDAVPrefix = "/webdav"

// Multistatus XML rendering. Property names live in the DAV: namespace;
// everything else about the shape follows RFC 4918's PROPFIND examples.

type multistatus struct {
	XMLName   xml.Name      `xml:"D:multistatus"`
	Namespace string        `xml:"xmlns:D,attr"`
	Responses []davResponse `xml:"D:response"`
}

type davResponse struct {
	Href     string   `xml:"D:href"`
	Propstat propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	GetLastModified     string         `xml:"D:getlastmodified,omitempty"`
	GetContentLength    *int64         `xml:"D:getcontentlength,omitempty"`
	GetContentType      string         `xml:"D:getcontenttype,omitempty"`
	ResourceType        resourceType   `xml:"D:resourcetype"`
	QuotaUsedBytes      *int64         `xml:"D:quota-used-bytes,omitempty"`
	QuotaAvailableBytes *int64         `xml:"D:quota-available-bytes,omitempty"`
	GetETag             string         `xml:"D:getetag,omitempty"`
	LockDiscovery       *lockDiscovery `xml:"D:lockdiscovery,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

type lockDiscovery struct {
	ActiveLock activeLock `xml:"D:activelock"`
}

type activeLock struct {
	LockType  string    `xml:"D:locktype"`
	LockScope string    `xml:"D:lockscope"`
	Depth     string    `xml:"D:depth"`
	Owner     string    `xml:"D:owner"`
	Timeout   string    `xml:"D:timeout"`
	LockToken lockToken `xml:"D:locktoken"`
}

type lockToken struct {
	Href string `xml:"D:href"`
}

func etagFor(href string) string {
	sum := md5.Sum([]byte(href))
	return hex.EncodeToString(sum[:])
}

// davHref builds the escaped href for a catalog path. Collections carry a
// trailing slash, as WebDAV clients expect.
func davHref(p string, dir bool) string {
	href := WebDAVPrefix + p
	if dir && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	return (&url.URL{Path: href}).EscapedPath()
}

func davResponseFor(e engine.Entry) davResponse {
	href := davHref(e.Path, e.IsDirectory)
	p := prop{
		GetLastModified: common.RFC1123(e.ModifiedAt),
		GetETag:         etagFor(href),
	}
	if e.IsDirectory {
		p.ResourceType.Collection = &struct{}{}
		used := e.Size
		avail := int64(-3) // unknown, per RFC 4331 client convention
		p.QuotaUsedBytes = &used
		p.QuotaAvailableBytes = &avail
	} else {
		length := e.Size
		p.GetContentLength = &length
		p.GetContentType = e.MediaType
	}
	return davResponse{
		Href: href,
		Propstat: propstat{
			Prop:   p,
			Status: "HTTP/1.1 200 OK",
		},
	}
}

// webdavHandler adapts the engine to the WebDAV verb set. The mux cannot
// route non-standard verbs, so dispatch happens here.
func (s *Server) webdavHandler(w http.ResponseWriter, r *http.Request) {
	p := common.CanonicalPath(strings.TrimPrefix(r.URL.Path, WebDAVPrefix))

	switch r.Method {
	case "PROPFIND":
		s.davPropfind(w, r, p)
	case http.MethodGet:
		s.handleDownload(w, r, p)
	case http.MethodPut:
		s.davPut(w, r, p)
	case http.MethodDelete:
		s.davSimple(w, r, p, s.engine.Delete)
	case "MKCOL":
		s.davSimple(w, r, p, s.engine.Mkdir)
	case "MOVE":
		s.davTransfer(w, r, p, s.engine.Move)
	case "COPY":
		s.davTransfer(w, r, p, s.engine.Copy)
	case http.MethodHead, http.MethodOptions, "PROPPATCH":
		s.davCheck(w, r, p)
	case "LOCK":
		s.davLock(w, r, p)
	case "UNLOCK":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) davPropfind(w http.ResponseWriter, r *http.Request, p string) {
	res, err := s.engine.List(r.Context(), p)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status != engine.StatusOK {
		w.WriteHeader(res.Status.HTTPStatus())
		return
	}

	entries := res.Entries
	if r.Header.Get("Depth") == "0" {
		// Depth 0 asks about the resource itself, not its members.
		entries = entries[:1]
	}

	ms := multistatus{Namespace: "DAV:"}
	for _, e := range entries {
		ms.Responses = append(ms.Responses, davResponseFor(e))
	}
	body, err := xml.Marshal(ms)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

func (s *Server) davPut(w http.ResponseWriter, r *http.Request, p string) {
	res, err := s.engine.Upload(r.Context(), p, r.Body)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status == engine.StatusCreated && r.ContentLength > 0 {
		recordUpload(r.ContentLength)
	}
	w.WriteHeader(res.Status.HTTPStatus())
}

func (s *Server) davSimple(w http.ResponseWriter, r *http.Request, p string, op func(context.Context, string) (*engine.Result, error)) {
	res, err := op(r.Context(), p)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(res.Status.HTTPStatus())
}

func (s *Server) davTransfer(w http.ResponseWriter, r *http.Request, p string, op func(context.Context, string, string) (*engine.Result, error)) {
	dst, ok := s.resolveDestination(r, p)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := op(r.Context(), p, dst)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(res.Status.HTTPStatus())
}

// resolveDestination maps a Destination header (absolute URL or absolute
// path) back onto a canonical catalog path. Clients echo the same base
// the request itself used, so stripping the shared base is enough.
func (s *Server) resolveDestination(r *http.Request, p string) (string, bool) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	destPath, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		destPath = u.Path
	}

	base := common.BaseURL(r.URL.Path, p)
	if base != "" && strings.HasPrefix(destPath, base) {
		destPath = strings.TrimPrefix(destPath, base)
	}
	return common.CanonicalPath(destPath), true
}

func (s *Server) davCheck(w http.ResponseWriter, r *http.Request, p string) {
	res, err := s.engine.Check(r.Context(), p)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status != engine.StatusOK {
		w.WriteHeader(res.Status.HTTPStatus())
		return
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("DAV", "1, 2")
		w.Header().Set("Allow", "OPTIONS, HEAD, GET, PUT, DELETE, PROPFIND, PROPPATCH, MKCOL, MOVE, COPY, LOCK, UNLOCK")
	}
	w.WriteHeader(http.StatusOK)
}

// davLock acknowledges the lock so clients that insist on locking before
// PUT can proceed. Actual mutual exclusion is the engine's path lock; the
// token handed out here is deliberately static.
func (s *Server) davLock(w http.ResponseWriter, r *http.Request, p string) {
	res, err := s.engine.Check(r.Context(), p)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if res.Status != engine.StatusOK {
		w.WriteHeader(res.Status.HTTPStatus())
		return
	}

	e := res.Entries[0]
	href := davHref(e.Path, e.IsDirectory)
	ms := multistatus{
		Namespace: "DAV:",
		Responses: []davResponse{{
			Href: href,
			Propstat: propstat{
				Prop: prop{
					GetLastModified: common.RFC1123(e.ModifiedAt),
					GetETag:         etagFor(href),
					LockDiscovery: &lockDiscovery{
						ActiveLock: activeLock{
							LockType:  "write",
							LockScope: "exclusive",
							Depth:     "0",
							Owner:     "owner",
							Timeout:   "Second-3600",
							LockToken: lockToken{Href: "urn:uuid:12345678-1234-1234-1234-123456789012"},
						},
					},
				},
				Status: "HTTP/1.1 200 OK",
			},
		}},
	}
	body, err := xml.Marshal(ms)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write([]byte(xml.Header))
	w.Write(body)
}
