// Package localai runs vision models on the local machine as the last line
// of defense when every remote provider is down. Models come in two tiers
// that share the same memory budget, so at most one tier is ever resident.
package localai

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/platewise/platewise/internal/report"
)

// Tier selects which local model answers a request.
type Tier int

const (
	// TierLight is the small, fast model used for standard requests.
	TierLight Tier = iota
	// TierHeavy is the larger, slower model used for deep analysis.
	TierHeavy
)

func (t Tier) String() string {
	if t == TierHeavy {
		return "heavy"
	}
	return "light"
}

// TierFor maps the request's deep-analysis flag to a model tier.
func TierFor(deep bool) Tier {
	if deep {
		return TierHeavy
	}
	return TierLight
}

const (
	lightMaxTokens   = 150
	heavyMaxTokens   = 300
	localTemperature = 0.2

	// Degraded reports carry at most this much raw model output.
	degradedExcerptLen = 200
)

const analysisSystemPrompt = `You are a nutrition analysis assistant. Look at the food in the image and respond with ONLY a JSON object, no other text, in this exact shape:
{"overall_description": "...", "items": [{"name": "...", "estimated_portion": "...", "confidence": 0.0, "description": "...", "nutrition": {"calories": "...", "protein": "...", "carbs": "...", "fats": "...", "vitamins": []}}], "total_calories_estimate": "~0 kcal", "health_score": 0, "dietary_warnings": []}`

const analysisUserPrompt = "Analyze the food in this image and estimate its nutrition."

// Config carries the weight specs and paths for both tiers.
type Config struct {
	ModelsDir  string
	HubBaseURL string
	Light      WeightSpec
	Heavy      WeightSpec
}

// Client serves local failsafe analysis. A single mutex guards the resident
// model: tier swaps and inference both hold it, so concurrent callers queue
// rather than race two models into memory at once.
type Client struct {
	weights *Weights
	runner  Runner

	light WeightSpec
	heavy WeightSpec

	mu           sync.Mutex
	resident     Model // nil when nothing is loaded
	residentTier Tier
}

// New creates a Client using runner to load weight files managed under
// cfg.ModelsDir.
func New(cfg Config, runner Runner) *Client {
	return &Client{
		weights: NewWeights(cfg.ModelsDir, cfg.HubBaseURL),
		runner:  runner,
		light:   cfg.Light,
		heavy:   cfg.Heavy,
	}
}

func (c *Client) spec(tier Tier) WeightSpec {
	if tier == TierHeavy {
		return c.heavy
	}
	return c.light
}

// EnsureAvailable reports whether the tier's weight file is ready, fetching
// it first when allowDownload is true. It fails closed: false means the tier
// cannot serve.
func (c *Client) EnsureAvailable(ctx context.Context, tier Tier, allowDownload bool) bool {
	return c.weights.Ensure(ctx, []WeightSpec{c.spec(tier)}, allowDownload)
}

// Analyze produces a food report from the local model for the requested
// tier. It never fails: any internal problem becomes a degraded report whose
// Note explains what happened, so the caller always has something to return.
func (c *Client) Analyze(ctx context.Context, image []byte, deep bool) report.FoodReport {
	tier := TierFor(deep)
	maxTokens := lightMaxTokens
	if tier == TierHeavy {
		maxTokens = heavyMaxTokens
	}

	if !c.EnsureAvailable(ctx, tier, true) {
		return emergencyReport("Local model weights are unavailable.",
			"local analysis unavailable: model weights missing")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	model, err := c.acquireLocked(ctx, tier)
	if err != nil {
		slog.Error("loading local model failed", "tier", tier, "error", err)
		return emergencyReport("Local model could not be loaded.",
			"local analysis unavailable: model failed to load")
	}

	raw, err := model.Chat(ctx, analysisSystemPrompt, analysisUserPrompt, image, maxTokens, localTemperature)
	if err != nil {
		slog.Error("local inference failed", "tier", tier, "error", err)
		return emergencyReport("Local analysis failed.",
			"local inference error")
	}

	return parseLocalResponse(raw)
}

// acquireLocked returns the resident model for tier, swapping tiers if
// needed. The previous tier is fully released before the new one loads;
// callers must hold c.mu.
func (c *Client) acquireLocked(ctx context.Context, tier Tier) (Model, error) {
	if c.resident != nil && c.residentTier == tier {
		return c.resident, nil
	}

	if c.resident != nil {
		slog.Info("releasing resident local model", "tier", c.residentTier)
		c.resident.Close()
		c.resident = nil
	}

	slog.Info("loading local model", "tier", tier)
	model, err := c.runner.Load(ctx, c.weights.Path(c.spec(tier)))
	if err != nil {
		return nil, err
	}
	c.resident = model
	c.residentTier = tier
	return model, nil
}

// Close releases the resident model, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resident != nil {
		c.resident.Close()
		c.resident = nil
	}
}

// parseLocalResponse extracts the first balanced JSON object from the raw
// model output. Small local models wrap their JSON in chatter often enough
// that a parse failure is the expected degraded path, not an error. JSON
// that parses but carries none of the report fields (e.g. a bare "{}")
// degrades the same way, so a usable-looking report always has content.
func parseLocalResponse(raw string) report.FoodReport {
	if jsonSpan, ok := extractJSONObject(raw); ok {
		var r report.FoodReport
		if err := json.Unmarshal([]byte(jsonSpan), &r); err == nil {
			if r.OverallDescription != "" || len(r.Items) > 0 || r.Note != "" {
				return r
			}
			slog.Warn("local model produced json with no report fields")
		} else {
			slog.Warn("local model produced unparsable json")
		}
	}

	excerpt := strings.TrimSpace(raw)
	if len(excerpt) > degradedExcerptLen {
		excerpt = excerpt[:degradedExcerptLen] + "..."
	}
	return report.FoodReport{
		OverallDescription: excerpt,
		Items:              []report.Item{},
		Note:               "raw output returned due to parsing error",
	}
}

// extractJSONObject returns the first balanced {...} span in s.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// emergencyReport is the floor of the degradation ladder: a minimal report
// that still satisfies the response shape.
func emergencyReport(description, note string) report.FoodReport {
	return report.FoodReport{
		OverallDescription: description,
		Items: []report.Item{{
			Name:        "Unidentified",
			Description: "Analysis failed",
		}},
		Note: note,
	}
}
