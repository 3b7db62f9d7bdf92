package app

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"altar/api/internal/assets"
)

const assetCacheControl = "public, max-age=31536000, immutable"

// handleUpload rejects on the declared type and length before reading the
// body. Anonymous uploads are accepted so share-link editors can add media.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identify(w, r); !ok {
		return
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if _, err := s.service.assets.CheckDeclared(contentType, r.ContentLength); err != nil {
		s.fail(w, r, err)
		return
	}
	asset, err := s.service.assets.Store(r.Context(), contentType, r.ContentLength, r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", asset.ETag())
	writeJSON(w, http.StatusCreated, asset)
}

func (s *HTTPServer) handleAsset(w http.ResponseWriter, r *http.Request, id string) {
	obj, err := s.service.assets.Retrieve(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer obj.Body.Close()

	etag := assets.ETag(id)
	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Cache-Control", assetCacheControl)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		header.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	header.Set("Content-Type", obj.ContentType)
	header.Set("X-Content-Type-Options", "nosniff")
	if obj.Size >= 0 {
		header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, obj.Body); err != nil {
		s.log.Warn().Err(err).Str("asset", id).Msg("asset stream interrupted")
	}
}

func etagMatches(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleUnfurl(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "url is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.unfurl.Fetch(r.Context(), target))
}
