// Package pipeline sequences the three analysis stages — identify the food,
// enrich each item with web nutrition context, synthesize a structured
// report — and degrades the whole request to local inference when the remote
// path fails at any stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/platewise/platewise/internal/report"
	"github.com/platewise/platewise/internal/search"
)

// ErrAllSystemsFailed is the single terminal error: both the remote pipeline
// and the local failsafe failed to produce any usable report.
var ErrAllSystemsFailed = errors.New("analysis failed: remote pipeline and local failsafe both unavailable")

// Generator produces text from a prompt and an optional image, walking its
// own model fallback chain internally.
type Generator interface {
	Generate(ctx context.Context, prompt string, image []byte) (string, error)
}

// Searcher fetches web nutrition context for one query.
type Searcher interface {
	Fetch(ctx context.Context, query string) (search.Result, error)
}

// Failsafe produces a report from a local model. It never fails; a degraded
// report is its worst case.
type Failsafe interface {
	Analyze(ctx context.Context, image []byte, deep bool) report.FoodReport
}

// Analyzer is the per-request orchestrator. All dependencies are explicit
// handles; the Analyzer itself holds no per-request state.
type Analyzer struct {
	generator Generator
	searcher  Searcher
	failsafe  Failsafe
	timeout   time.Duration
}

// NewAnalyzer creates an Analyzer. timeout bounds a whole request end to
// end; zero means no deadline beyond the caller's.
func NewAnalyzer(generator Generator, searcher Searcher, failsafe Failsafe, timeout time.Duration) *Analyzer {
	return &Analyzer{
		generator: generator,
		searcher:  searcher,
		failsafe:  failsafe,
		timeout:   timeout,
	}
}

// Analyze runs the full pipeline on the image. Any remote-stage failure
// routes the request to the local failsafe; only when the failsafe also
// produces nothing usable does Analyze return ErrAllSystemsFailed.
func (a *Analyzer) Analyze(ctx context.Context, image []byte, deep bool) (report.FoodReport, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	resized := resizeImage(image)

	identifyText, err := a.generator.Generate(ctx, identifyPrompt, resized)
	if err != nil {
		return a.degrade(ctx, image, deep, "identify", err)
	}
	items := parseItemList(identifyText)
	slog.Info("identify stage complete", "items", len(items))

	contextLines, results := a.enrich(ctx, items)

	raw, err := a.generator.Generate(ctx, buildSynthesisPrompt(contextLines), resized)
	if err != nil {
		return a.degrade(ctx, image, deep, "synthesize", err)
	}

	var r report.FoodReport
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &r); err != nil {
		return a.degrade(ctx, image, deep, "parse", err)
	}

	attachInsights(&r, results)
	return r, nil
}

// enrich fans out one search per item and fans back in once every call has
// settled. A failed item keeps its slot with a fallback note; the batch is
// never aborted and no item is dropped from the synthesis context.
func (a *Analyzer) enrich(ctx context.Context, items []string) ([]string, map[string]search.Result) {
	lines := make([]string, len(items))
	results := make(map[string]search.Result, len(items))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := a.searcher.Fetch(ctx, item+" calories nutrition facts")
			if err != nil {
				slog.Warn("enrichment search failed", "item", item, "error", err)
				lines[i] = fmt.Sprintf("- %s: nutrition data unavailable (search failed)", item)
				return
			}
			lines[i] = fmt.Sprintf("- %s: %s", item, summarizeResult(result))
			mu.Lock()
			results[item] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	return lines, results
}

// summarizeResult flattens a search result into one prompt context line.
func summarizeResult(result search.Result) string {
	var parts []string
	if title, ok := result.KnowledgeGraph["title"].(string); ok && title != "" {
		if desc, ok := result.KnowledgeGraph["description"].(string); ok && desc != "" {
			parts = append(parts, title+": "+desc)
		} else {
			parts = append(parts, title)
		}
	}
	for _, s := range result.Snippets {
		if s.Snippet != "" {
			parts = append(parts, s.Snippet)
		}
	}
	if len(parts) == 0 {
		return "no nutrition data found"
	}
	return strings.Join(parts, "; ")
}

// attachInsights copies each item's knowledge-graph data onto the matching
// report item so the API response carries the raw research alongside the
// model's conclusions.
func attachInsights(r *report.FoodReport, results map[string]search.Result) {
	for i := range r.Items {
		name := strings.ToLower(r.Items[i].Name)
		for item, result := range results {
			if len(result.KnowledgeGraph) == 0 {
				continue
			}
			base := strings.ToLower(item)
			if idx := strings.IndexByte(base, '('); idx >= 0 {
				base = strings.TrimSpace(base[:idx])
			}
			if base != "" && (strings.Contains(name, base) || strings.Contains(base, name)) {
				r.Items[i].SearchInsights = result.KnowledgeGraph
				break
			}
		}
	}
}

// degrade routes the whole request to the local failsafe after a remote
// stage failure. This is the single recovery edge of the state machine.
func (a *Analyzer) degrade(ctx context.Context, image []byte, deep bool, stage string, cause error) (report.FoodReport, error) {
	slog.Warn("remote pipeline failed, switching to local failsafe", "stage", stage, "error", cause)

	r := a.failsafe.Analyze(ctx, image, deep)
	if r.OverallDescription == "" && len(r.Items) == 0 && r.Note == "" {
		return report.FoodReport{}, ErrAllSystemsFailed
	}
	return r, nil
}
