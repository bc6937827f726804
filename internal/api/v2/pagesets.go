package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hashicorp-forge/pagekeeper/internal/server"
	"github.com/hashicorp-forge/pagekeeper/pkg/delivery"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/split"
)

const (
	// VersionHeader carries the version a response was computed from.
	VersionHeader = "X-Pageset-Version"

	// ContentHashHeader carries the "sha256:<hex>" hash of delivered bytes.
	ContentHashHeader = "X-Content-Hash"

	immutableCacheControl = "public, max-age=31536000, immutable"
	noStoreCacheControl   = "no-store"
)

// PageInput is one page of an ingestion request. Exactly one of Data
// (base64 in JSON) or Locator must be set.
type PageInput struct {
	Data    []byte `json:"data,omitempty"`
	Locator string `json:"locator,omitempty"`
}

// Validate implements validation.Validatable.
func (p PageInput) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Data, validation.Required.When(p.Locator == "").Error("data or locator is required")),
		validation.Field(&p.Locator, validation.Empty.When(len(p.Data) > 0).Error("cannot be set together with data")),
	)
}

// IngestRequest is the request body for POST /api/v2/pagesets.
type IngestRequest struct {
	Pages []PageInput `json:"pages"`
}

// Validate implements validation.Validatable.
func (r IngestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Pages, validation.Required),
	)
}

// SplitRequest is the request body for POST /api/v2/pagesets/{id}/split.
type SplitRequest struct {
	Positions       []int  `json:"positions"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// PageResponse describes one page of a page set.
type PageResponse struct {
	Position      int    `json:"position"`
	OriginalIndex int    `json:"originalIndex"`
	Address       string `json:"address"`
}

// PageSetResponse is the metadata view of a page set.
type PageSetResponse struct {
	ID            string         `json:"id"`
	Version       int64          `json:"version"`
	PageCount     int            `json:"pageCount"`
	Pages         []PageResponse `json:"pages"`
	MergedAddress string         `json:"mergedAddress"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ArtifactResponse is the metadata view of a merged artifact.
type ArtifactResponse struct {
	PageSetID   string    `json:"pageSetId"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"contentHash"`
	Size        int64     `json:"size"`
	PageCount   int       `json:"pageCount"`
	FileName    string    `json:"fileName"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ErrorResponse is the body of every error response. Expected and Found are
// set for version conflicts.
type ErrorResponse struct {
	Error    string `json:"error"`
	Expected *int64 `json:"expected,omitempty"`
	Found    *int64 `json:"found,omitempty"`
}

// PageSetsHandler handles page set endpoints.
// Routes:
//
//	POST /api/v2/pagesets                 - Ingest pages into a new page set
//	GET  /api/v2/pagesets/:id             - Get page set metadata
//	GET  /api/v2/pagesets/:id/pages/:n    - Get page bytes
//	GET  /api/v2/pagesets/:id/merged      - Get merged artifact bytes
//	POST /api/v2/pagesets/:id/split       - Split pages into a new page set
//	POST /api/v2/pagesets/:id/merge       - Compute the merged artifact
func PageSetsHandler(srv server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, delivery.BasePath), "/")
		parts := strings.Split(path, "/")

		switch {
		case path == "":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			ingestPageSet(w, r, srv)

		case len(parts) == 1:
			if !isRead(r) {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			getPageSet(w, r, srv, parts[0])

		case len(parts) == 3 && parts[1] == "pages":
			if !isRead(r) {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 0 {
				respondError(w, srv, pageset.Validationf("Get", "invalid page number %q", parts[2]))
				return
			}
			getContent(w, r, srv, parts[0], pageset.PageSelector(n))

		case len(parts) == 2 && parts[1] == "merged":
			if !isRead(r) {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			getContent(w, r, srv, parts[0], pageset.MergedSelector)

		case len(parts) == 2 && parts[1] == "split":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			splitPageSet(w, r, srv, parts[0])

		case len(parts) == 2 && parts[1] == "merge":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			mergePageSet(w, r, srv, parts[0])

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	})
}

func isRead(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// ingestPageSet stores each page's bytes and creates a page set over them in
// request order.
func ingestPageSet(w http.ResponseWriter, r *http.Request, srv server.Server) {
	r.Body = http.MaxBytesReader(w, r.Body, srv.MaxUploadBytes())

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		srv.Logger.Error("error decoding ingest request", "error", err)
		respondError(w, srv, pageset.Validationf("Create", "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, srv, pageset.Validationf("Create", "%v", err))
		return
	}

	ctx := r.Context()
	refs := make([]pageset.PageRef, len(req.Pages))
	var uploaded []string
	for i, p := range req.Pages {
		locator := p.Locator
		if len(p.Data) > 0 {
			var err error
			locator, err = srv.Blob.Put(ctx, p.Data)
			if err != nil {
				removeBlobs(srv, uploaded)
				respondError(w, srv, err)
				return
			}
			uploaded = append(uploaded, locator)
		}
		refs[i] = pageset.PageRef{Locator: locator, OriginalIndex: i}
	}

	ps, err := srv.Store.Create(ctx, refs)
	if err != nil {
		removeBlobs(srv, uploaded)
		respondError(w, srv, err)
		return
	}

	srv.Logger.Info("page set ingested",
		"page_set_id", ps.ID,
		"pages", ps.Len(),
		"uploaded", len(uploaded),
	)

	setVersionHeaders(w, metaETag(ps.ID, ps.Version), metaAddress(ps.ID, ps.Version), ps.Version)
	w.Header().Set("Location", metaAddress(ps.ID, ps.Version))
	respondJSON(w, srv, http.StatusCreated, newPageSetResponse(ps))
}

// removeBlobs deletes blobs uploaded by a request that did not create a
// page set.
func removeBlobs(srv server.Server, locators []string) {
	if len(locators) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, loc := range locators {
		if err := srv.Blob.Delete(ctx, loc); err != nil {
			srv.Logger.Warn("error removing orphaned page blob", "locator", loc, "error", err)
		}
	}
}

func getPageSet(w http.ResponseWriter, r *http.Request, srv server.Server, id string) {
	hint, err := versionHint(r)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	ps, err := srv.Store.Get(r.Context(), id)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	etag := metaETag(ps.ID, ps.Version)
	setVersionHeaders(w, etag, metaAddress(ps.ID, ps.Version), ps.Version)
	setCacheControl(w, hint, ps.Version)
	if notModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, srv, http.StatusOK, newPageSetResponse(ps))
}

// getContent writes page or merged bytes for the current version of id.
func getContent(w http.ResponseWriter, r *http.Request, srv server.Server, id string, sel pageset.Selector) {
	hint, err := versionHint(r)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	content, err := srv.Delivery.Get(r.Context(), id, sel)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	setVersionHeaders(w, content.ETag, delivery.Address(id, sel, content.Version), content.Version)
	setCacheControl(w, hint, content.Version)
	w.Header().Set(ContentHashHeader, content.ContentHash)
	if notModified(r, content.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Body)))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("inline", map[string]string{"filename": merge.FileName(id, sel)}))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content.Body); err != nil {
		srv.Logger.Warn("error writing content", "page_set_id", id, "selector", sel.String(), "error", err)
	}
}

func splitPageSet(w http.ResponseWriter, r *http.Request, srv server.Server, id string) {
	var req SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		srv.Logger.Error("error decoding split request", "error", err)
		respondError(w, srv, pageset.Validationf("Split", "invalid request body"))
		return
	}

	splitReq := split.Request{SourceID: id, Positions: req.Positions}
	if req.ExpectedVersion != nil {
		v := pageset.Version(*req.ExpectedVersion)
		splitReq.ExpectedVersion = &v
	}

	res, err := srv.Splitter.Split(r.Context(), splitReq)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	if res.ParentDeleted {
		// The source is gone; the child is the only set left to address.
		setVersionHeaders(w, metaETag(res.ChildID, res.ChildVersion),
			metaAddress(res.ChildID, res.ChildVersion), res.ChildVersion)
	} else {
		setVersionHeaders(w, metaETag(res.ParentID, res.ParentVersion),
			metaAddress(res.ParentID, res.ParentVersion), res.ParentVersion)
	}
	w.Header().Set("Location", metaAddress(res.ChildID, res.ChildVersion))
	respondJSON(w, srv, http.StatusCreated, res)
}

func mergePageSet(w http.ResponseWriter, r *http.Request, srv server.Server, id string) {
	artifact, err := srv.Merger.Merge(r.Context(), id)
	if err != nil {
		respondError(w, srv, err)
		return
	}

	key := pageset.Key{ID: id, Selector: pageset.MergedSelector, Version: artifact.Version}
	address := delivery.Address(id, pageset.MergedSelector, artifact.Version)
	setVersionHeaders(w, delivery.ETag(key), address, artifact.Version)
	respondJSON(w, srv, http.StatusOK, ArtifactResponse{
		PageSetID:   artifact.PageSetID,
		Version:     int64(artifact.Version),
		ContentHash: artifact.ContentHash,
		Size:        artifact.Size,
		PageCount:   artifact.PageCount,
		FileName:    merge.FileName(id, pageset.MergedSelector),
		Address:     address,
		CreatedAt:   artifact.CreatedAt,
	})
}

func newPageSetResponse(ps *pageset.PageSet) PageSetResponse {
	pages := make([]PageResponse, len(ps.Pages))
	for i, p := range ps.Pages {
		pages[i] = PageResponse{
			Position:      i,
			OriginalIndex: p.OriginalIndex,
			Address:       delivery.Address(ps.ID, pageset.PageSelector(i), ps.Version),
		}
	}
	return PageSetResponse{
		ID:            ps.ID,
		Version:       int64(ps.Version),
		PageCount:     ps.Len(),
		Pages:         pages,
		MergedAddress: delivery.Address(ps.ID, pageset.MergedSelector, ps.Version),
		CreatedAt:     ps.CreatedAt,
		UpdatedAt:     ps.UpdatedAt,
	}
}

// versionHint parses the optional "v" query parameter.
func versionHint(r *http.Request) (pageset.Version, error) {
	raw := r.URL.Query().Get("v")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < int64(pageset.InitialVersion) {
		return 0, pageset.Validationf("Get", "invalid version hint %q", raw)
	}
	return pageset.Version(v), nil
}

func metaAddress(id string, v pageset.Version) string {
	return fmt.Sprintf("%s/%s?v=%d", delivery.BasePath, id, v)
}

func metaETag(id string, v pageset.Version) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%s-v%d", id, v))
}

func setVersionHeaders(w http.ResponseWriter, etag, location string, v pageset.Version) {
	h := w.Header()
	h.Set(VersionHeader, strconv.FormatInt(int64(v), 10))
	h.Set("ETag", etag)
	h.Set("Content-Location", location)
	h.Add("Vary", "If-None-Match")
}

// setCacheControl lets intermediaries keep a response only when the
// request was addressed to the version that was served.
func setCacheControl(w http.ResponseWriter, hint, served pageset.Version) {
	if hint != 0 && hint == served {
		w.Header().Set("Cache-Control", immutableCacheControl)
		return
	}
	w.Header().Set("Cache-Control", noStoreCacheControl)
}

func notModified(r *http.Request, etag string) bool {
	for _, candidate := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, srv server.Server, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.Logger.Error("error encoding response", "error", err)
	}
}

// respondError maps err onto an HTTP status.
func respondError(w http.ResponseWriter, srv server.Server, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}

	var conflict *pageset.ConflictError
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
		expected, found := int64(conflict.Expected), int64(conflict.Found)
		resp.Expected, resp.Found = &expected, &found
	case errors.Is(err, pageset.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, pageset.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pageset.ErrDependency), errors.Is(err, pageset.ErrPartialFailure):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		srv.Logger.Error("request failed", "status", status, "error", err)
	} else {
		srv.Logger.Debug("request rejected", "status", status, "error", err)
	}

	w.Header().Set("Cache-Control", noStoreCacheControl)
	respondJSON(w, srv, status, resp)
}
