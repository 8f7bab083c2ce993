package localai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const defaultHubBaseURL = "https://huggingface.co"

// WeightSpec identifies one weight artifact in a remote model repository.
type WeightSpec struct {
	Repo     string // e.g. "vikhyatk/moondream2"
	Filename string // e.g. "moondream2-text-model-f16.gguf"
}

// Weights resolves weight artifacts to files under a local models directory
// and downloads missing ones from the model hub. Downloads are idempotent:
// a file that already exists is never fetched again.
type Weights struct {
	dir        string
	hubBaseURL string
	httpClient *http.Client
}

// NewWeights creates a Weights manager rooted at dir. An empty hubBaseURL
// selects the public HuggingFace endpoint.
func NewWeights(dir, hubBaseURL string) *Weights {
	if hubBaseURL == "" {
		hubBaseURL = defaultHubBaseURL
	}
	return &Weights{
		dir:        dir,
		hubBaseURL: strings.TrimRight(hubBaseURL, "/"),
		// Weight files are large; rely on the caller's context, not a
		// client-level timeout.
		httpClient: &http.Client{},
	}
}

// Path returns the local file path for spec.
func (w *Weights) Path(spec WeightSpec) string {
	return filepath.Join(w.dir, spec.Filename)
}

// Present reports whether spec's file exists locally.
func (w *Weights) Present(spec WeightSpec) bool {
	info, err := os.Stat(w.Path(spec))
	return err == nil && !info.IsDir()
}

// Ensure checks that every spec is present locally. When allowDownload is
// true, missing files are fetched concurrently; Ensure fails closed (false)
// if any download fails or downloads are disallowed.
func (w *Weights) Ensure(ctx context.Context, specs []WeightSpec, allowDownload bool) bool {
	var missing []WeightSpec
	for _, spec := range specs {
		if !w.Present(spec) {
			missing = append(missing, spec)
		}
	}
	if len(missing) == 0 {
		return true
	}

	names := make([]string, len(missing))
	for i, spec := range missing {
		names[i] = spec.Filename
	}
	slog.Warn("local failsafe weights missing", "files", names)

	if !allowDownload {
		return false
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, spec := range missing {
		g.Go(func() error {
			return w.download(gCtx, spec)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("weight download failed", "error", err)
		return false
	}
	return true
}

// download fetches one artifact to a temp file and renames it into place so
// a partial download never masquerades as a complete weight file.
func (w *Weights) download(ctx context.Context, spec WeightSpec) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating models directory: %w", err)
	}

	sourceURL := fmt.Sprintf("%s/%s/resolve/main/%s", w.hubBaseURL, spec.Repo, spec.Filename)
	slog.Info("downloading weight file", "repo", spec.Repo, "file", spec.Filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", spec.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %d", spec.Filename, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(w.dir, spec.Filename+".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", spec.Filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", spec.Filename, err)
	}

	if err := os.Rename(tmp.Name(), w.Path(spec)); err != nil {
		return fmt.Errorf("moving %s into place: %w", spec.Filename, err)
	}

	slog.Info("weight file ready", "file", spec.Filename)
	return nil
}
