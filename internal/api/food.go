// Package api exposes the analysis pipeline over HTTP: one public analyze
// endpoint, a health probe, and a token-protected report history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/platewise/platewise/internal/pipeline"
	"github.com/platewise/platewise/internal/report"
	"github.com/platewise/platewise/internal/storage"
)

const maxImageBodySize = 10 << 20 // 10MB

// Analyzer runs the full analysis pipeline for one image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, deep bool) (report.FoodReport, error)
}

type Deps struct {
	Analyzer Analyzer
	Store    *storage.Store // optional; nil disables report history
	Models   []string       // generation chain, reported by /health
	Token    string         // bearer token for report management routes
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(CORS())

	r.Get("/health", handleHealth(deps))
	r.Post("/api/v1/food/analyze", handleAnalyze(deps))

	if deps.Store != nil {
		r.Route("/api/v1/reports", func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Get("/", handleListReports(deps))
			r.Get("/{id}", handleGetReport(deps))
			r.Delete("/{id}", handleDeleteReport(deps))
		})
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		models := deps.Models
		if models == nil {
			models = []string{}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"models": models,
		})
	}
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is required: %v", err)
			return
		}
		defer file.Close()

		if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file must be an image, got %s", ct)
			return
		}

		image, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading image: %v", err)
			return
		}
		if len(image) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is empty")
			return
		}

		deep, _ := strconv.ParseBool(r.FormValue("deep_search"))

		result, err := deps.Analyzer.Analyze(r.Context(), image, deep)
		if errors.Is(err, pipeline.ErrAllSystemsFailed) {
			httpError(w, http.StatusServiceUnavailable, "api_error", "analysis unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "analysis failed: %v", err)
			return
		}

		saveReport(deps.Store, result, deep)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// saveReport records the analysis in history. Persistence failures are
// logged, never surfaced: the caller already has their report.
func saveReport(store *storage.Store, result report.FoodReport, deep bool) {
	if store == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Error("marshalling report for history", "error", err)
		return
	}
	a := storage.Analysis{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Deep:       deep,
		Degraded:   result.Degraded(),
		ReportJSON: string(raw),
	}
	if err := store.SaveAnalysis(a); err != nil {
		slog.Error("saving analysis history", "error", err)
	}
}

type reportSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Deep      bool      `json:"deep"`
	Degraded  bool      `json:"degraded"`
}

type reportDetail struct {
	reportSummary
	Report json.RawMessage `json:"report"`
}

func handleListReports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		analyses, err := deps.Store.ListAnalyses(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list reports: %v", err)
			return
		}

		summaries := make([]reportSummary, 0, len(analyses))
		for _, a := range analyses {
			summaries = append(summaries, reportSummary{
				ID:        a.ID,
				CreatedAt: a.CreatedAt,
				Deep:      a.Deep,
				Degraded:  a.Degraded,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

func handleGetReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		a, err := deps.Store.GetAnalysis(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "report not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get report: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reportDetail{
			reportSummary: reportSummary{
				ID:        a.ID,
				CreatedAt: a.CreatedAt,
				Deep:      a.Deep,
				Degraded:  a.Degraded,
			},
			Report: json.RawMessage(a.ReportJSON),
		})
	}
}

func handleDeleteReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteAnalysis(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "report not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete report: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
