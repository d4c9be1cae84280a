// Package testutil provides fixtures shared by the package tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// LoopbackRequest returns a test request from 127.0.0.1 so tsweb's debug
// access check lets it through.
func LoopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Descriptors returns descriptor text for n single-hit events at the origin,
// starting at time start and step seconds apart, each depositing energy keV.
func Descriptors(n int, start, step, energy float64) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "SE\nID %d\nTI %.6f\nHT 0;0;0;%g\n", i+1, start+float64(i)*step, energy)
	}
	return b.String()
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
