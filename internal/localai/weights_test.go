package localai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestEnsureDownloadsMissingWeights(t *testing.T) {
	var hits atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/org/model/resolve/main/model.gguf" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte("weight bytes"))
	}))
	defer hub.Close()

	dir := t.TempDir()
	w := NewWeights(dir, hub.URL)
	spec := WeightSpec{Repo: "org/model", Filename: "model.gguf"}

	if !w.Ensure(context.Background(), []WeightSpec{spec}, true) {
		t.Fatal("ensure failed")
	}
	data, err := os.ReadFile(filepath.Join(dir, "model.gguf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "weight bytes" {
		t.Errorf("file contents = %q", data)
	}

	// Second call sees the file and skips the network.
	if !w.Ensure(context.Background(), []WeightSpec{spec}, true) {
		t.Fatal("second ensure failed")
	}
	if hits.Load() != 1 {
		t.Errorf("hub hits = %d, want 1", hits.Load())
	}
}

func TestEnsureWithoutDownloadFailsClosed(t *testing.T) {
	w := NewWeights(t.TempDir(), "http://unused.invalid")
	spec := WeightSpec{Repo: "org/model", Filename: "model.gguf"}

	if w.Ensure(context.Background(), []WeightSpec{spec}, false) {
		t.Fatal("ensure reported ready with missing weights and downloads disallowed")
	}
}

func TestFailedDownloadLeavesNoPartialFile(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer hub.Close()

	dir := t.TempDir()
	w := NewWeights(dir, hub.URL)
	spec := WeightSpec{Repo: "org/model", Filename: "model.gguf"}

	if w.Ensure(context.Background(), []WeightSpec{spec}, true) {
		t.Fatal("ensure succeeded against a 404 hub")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("models dir not empty after failed download: %v", entries)
	}
}
