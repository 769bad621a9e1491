package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func staticTestFS() fstest.MapFS {
	return fstest.MapFS{
		"app.css":           {Data: []byte("body{}")},
		"app.a1b2c3d4.css":  {Data: []byte("body{color:red}")},
		"img/logo.svg":      {Data: []byte("<svg/>")},
		"nested/deep/x.txt": {Data: []byte("deep")},
	}
}

func TestStaticServesFile(t *testing.T) {
	s, ts := newTestServer(t)
	s.StaticFS("/assets", staticTestFS())

	resp, err := http.Get(ts.URL + "/assets/app.css")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{}" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/css; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestStaticNestedPath(t *testing.T) {
	s, ts := newTestServer(t)
	s.StaticFS("/assets", staticTestFS())

	resp, err := http.Get(ts.URL + "/assets/nested/deep/x.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStaticMissingFile(t *testing.T) {
	s, ts := newTestServer(t)
	s.StaticFS("/assets", staticTestFS())

	resp, err := http.Get(ts.URL + "/assets/nope.css")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStaticDirectoryNotServed(t *testing.T) {
	s, ts := newTestServer(t)
	s.StaticFS("/assets", staticTestFS())

	resp, err := http.Get(ts.URL + "/assets/img")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStaticCacheHeaders(t *testing.T) {
	s, ts := newTestServer(t)
	s.StaticFS("/assets", staticTestFS())

	resp, err := http.Get(ts.URL + "/assets/app.a1b2c3d4.css")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=31536000, immutable" {
		t.Errorf("fingerprinted Cache-Control = %q", cc)
	}

	resp, err = http.Get(ts.URL + "/assets/app.css")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600, must-revalidate" {
		t.Errorf("plain Cache-Control = %q", cc)
	}
}

func TestStaticDevModeNoStore(t *testing.T) {
	s := New(DefaultServerConfig().WithDevMode(true))
	s.StaticFS("/assets", staticTestFS())
	t.Cleanup(func() { s.Sessions().Shutdown() })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/assets/app.a1b2c3d4.css")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store, no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestStaticRelPathSecurity(t *testing.T) {
	tests := []struct {
		name    string
		urlPath string
		ok      bool
		want    string
	}{
		{"plain file", "/assets/app.css", true, "app.css"},
		{"nested file", "/assets/img/logo.svg", true, "img/logo.svg"},
		{"parent traversal", "/assets/../secret.txt", false, ""},
		{"embedded traversal", "/assets/img/../../secret.txt", false, ""},
		{"dot segment", "/assets/./app.css", false, ""},
		{"double slash absolute", "/assets//etc/passwd", false, ""},
		{"backslash", "/assets/img\\logo.svg", false, ""},
		{"nul byte", "/assets/app\x00.css", false, ""},
		{"outside prefix", "/other/app.css", false, ""},
		{"bare prefix", "/assets/", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := staticRelPath("/assets", tt.urlPath)
			if ok != tt.ok {
				t.Fatalf("staticRelPath(%q) ok = %v, want %v", tt.urlPath, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("staticRelPath(%q) = %q, want %q", tt.urlPath, got, tt.want)
			}
		})
	}
}

func TestIsFingerprinted(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"app.a1b2c3d4.css", true},
		{"app.A1B2C3D4E5.js", true},
		{"app.css", false},
		{"app.min.css", false},
		{"app.notahash.css", false},
		{"app.abc.css", false},
	}

	for _, tt := range tests {
		if got := isFingerprinted(tt.path); got != tt.want {
			t.Errorf("isFingerprinted(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
