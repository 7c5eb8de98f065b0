package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[["time_tag","Kp"],["2025-01-01 00:00:00.000","2.33"]]`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "noaa_kp_index.json")
	n, err := downloadFile(srv.URL+"/kp.json", dest, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(54), n)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "time_tag")

	_, err = downloadFile(srv.URL+"/missing", filepath.Join(dir, "x.json"), 5*time.Second)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "x.json.tmp"))
}

func TestSelectSources(t *testing.T) {
	assert.Len(t, selectSources("all"), len(sources))
	got := selectSources("noaa_kp")
	require.Len(t, got, 1)
	assert.Equal(t, "noaa_kp_index.json", got[0].Filename)
	assert.Empty(t, selectSources("nope"))
}
