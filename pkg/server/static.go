package server

import (
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Static serves files from dir under the given URL prefix, e.g.
// Static("/assets", "./public"). Requests are sanitized so serving can
// never escape dir.
func (s *Server) Static(prefix, dir string) {
	s.StaticFS(prefix, os.DirFS(dir))
}

// StaticFS is Static for an fs.FS, which makes embedded asset trees
// servable.
func (s *Server) StaticFS(prefix string, fsys fs.FS) {
	prefix = "/" + strings.Trim(prefix, "/")

	handler := func(w http.ResponseWriter, r *http.Request) {
		s.serveStatic(w, r, prefix, fsys)
	}

	pattern := prefix + "/*"
	if prefix == "/" {
		pattern = "/*"
	}
	s.mux.Get(pattern, handler)
	s.mux.Head(pattern, handler)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, prefix string, fsys fs.FS) {
	rel, ok := staticRelPath(prefix, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := fsys.Open(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	s.applyStaticCacheHeaders(w, rel)

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		// fs.FS does not guarantee seekability; fall back to a plain
		// copy without range support.
		w.Header().Set("Content-Type", contentTypeForPath(rel))
		if r.Method == http.MethodHead {
			return
		}
		io.Copy(w, f)
		return
	}

	http.ServeContent(w, r, rel, info.ModTime(), rs)
}

// staticRelPath maps a request path to a sanitized path relative to the
// mount. It rejects traversal and absolute-path tricks so static
// serving cannot escape the mounted tree.
func staticRelPath(prefix, urlPath string) (string, bool) {
	rel := stripStaticPrefix(prefix, urlPath)
	if rel == "" {
		return "", false
	}

	// NUL can arrive via %00.
	if strings.IndexByte(rel, 0) != -1 {
		return "", false
	}

	if strings.Contains(rel, "\\") {
		return "", false
	}

	// A leading "/" after prefix stripping is an absolute-path attempt
	// ("/assets//etc/passwd" => "/etc/passwd").
	if strings.HasPrefix(rel, "/") {
		return "", false
	}

	// Reject dot-segments before cleaning so traversal attempts are
	// refused rather than rewritten.
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}

	clean := path.Clean(rel)
	if clean == "." || clean == "" || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", false
	}

	osPath := filepath.FromSlash(clean)
	if filepath.IsAbs(osPath) || filepath.VolumeName(osPath) != "" {
		return "", false
	}

	return clean, true
}

func stripStaticPrefix(prefix, urlPath string) string {
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	if prefix == "/" {
		return strings.TrimPrefix(urlPath, "/")
	}

	if !strings.HasPrefix(urlPath, prefix) {
		return ""
	}
	return strings.TrimPrefix(urlPath, prefix)
}

// applyStaticCacheHeaders sets the caching policy: nothing is cached in
// dev mode, fingerprinted files are immutable in production, everything
// else revalidates hourly.
func (s *Server) applyStaticCacheHeaders(w http.ResponseWriter, rel string) {
	if s.config.DevMode {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		return
	}

	if isFingerprinted(rel) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
}

// isFingerprinted reports whether a file name carries a content hash,
// e.g. "app.a1b2c3d4.css".
func isFingerprinted(rel string) bool {
	parts := strings.Split(path.Base(rel), ".")
	if len(parts) < 3 {
		return false
	}

	hash := parts[len(parts)-2]
	if len(hash) < 8 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func contentTypeForPath(rel string) string {
	switch path.Ext(rel) {
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".woff2":
		return "font/woff2"
	default:
		return "application/octet-stream"
	}
}
