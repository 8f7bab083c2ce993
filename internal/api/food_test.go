package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/platewise/platewise/internal/pipeline"
	"github.com/platewise/platewise/internal/report"
	"github.com/platewise/platewise/internal/storage"
)

type fakeAnalyzer struct {
	report    report.FoodReport
	err       error
	lastImage []byte
	lastDeep  bool
	calls     int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, image []byte, deep bool) (report.FoodReport, error) {
	a.calls++
	a.lastImage = image
	a.lastDeep = deep
	return a.report, a.err
}

func imageRequest(t *testing.T, target string, image []byte, contentType string, deep string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="meal.jpg"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(image)

	if deep != "" {
		mw.WriteField("deep_search", deep)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAnalyzeReturnsReportAndRecordsHistory(t *testing.T) {
	analyzer := &fakeAnalyzer{report: report.FoodReport{
		OverallDescription: "A sandwich",
		Items:              []report.Item{{Name: "Sandwich", Confidence: 0.9}},
	}}
	store := testStore(t)
	h := NewHandler(Deps{Analyzer: analyzer, Store: store, Token: "tok"})

	req := imageRequest(t, "/api/v1/food/analyze", []byte{0xff, 0xd8, 0xff}, "image/jpeg", "true")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got report.FoodReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.OverallDescription != "A sandwich" {
		t.Errorf("description = %q", got.OverallDescription)
	}
	if !analyzer.lastDeep {
		t.Error("deep_search flag not forwarded")
	}
	if !bytes.Equal(analyzer.lastImage, []byte{0xff, 0xd8, 0xff}) {
		t.Error("image bytes not forwarded")
	}

	history, err := store.ListAnalyses(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history entries = %d, want 1", len(history))
	}
	if !history[0].Deep || history[0].Degraded {
		t.Errorf("history flags = %+v", history[0])
	}
}

func TestAnalyzeWithoutImageIsBadRequest(t *testing.T) {
	h := NewHandler(Deps{Analyzer: &fakeAnalyzer{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/food/analyze", bytes.NewBufferString("not multipart"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnalyzeRejectsNonImageUpload(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	h := NewHandler(Deps{Analyzer: analyzer})

	req := imageRequest(t, "/api/v1/food/analyze", []byte("%PDF-"), "application/pdf", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if analyzer.calls != 0 {
		t.Error("analyzer was invoked for a non-image upload")
	}
}

func TestAnalyzeTerminalFailureIs503(t *testing.T) {
	analyzer := &fakeAnalyzer{err: pipeline.ErrAllSystemsFailed}
	h := NewHandler(Deps{Analyzer: analyzer})

	req := imageRequest(t, "/api/v1/food/analyze", []byte{1}, "image/png", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthReportsModelList(t *testing.T) {
	h := NewHandler(Deps{Analyzer: &fakeAnalyzer{}, Models: []string{"model-a", "model-b"}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string   `json:"status"`
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q", body.Status)
	}
	if len(body.Models) != 2 || body.Models[0] != "model-a" || body.Models[1] != "model-b" {
		t.Errorf("models = %v, want the configured chain", body.Models)
	}
}

func TestReportRoutesRequireToken(t *testing.T) {
	h := NewHandler(Deps{Analyzer: &fakeAnalyzer{}, Store: testStore(t), Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestReportLifecycle(t *testing.T) {
	store := testStore(t)
	analyzer := &fakeAnalyzer{report: report.FoodReport{OverallDescription: "Soup"}}
	h := NewHandler(Deps{Analyzer: analyzer, Store: store, Token: "secret"})

	// Create a report through the analyze endpoint.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, imageRequest(t, "/api/v1/food/analyze", []byte{1}, "image/jpeg", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status = %d", rec.Code)
	}

	authed := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec = authed(http.MethodGet, "/api/v1/reports")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []reportSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}

	id := list[0].ID
	rec = authed(http.MethodGet, "/api/v1/reports/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var detail reportDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	var stored report.FoodReport
	if err := json.Unmarshal(detail.Report, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.OverallDescription != "Soup" {
		t.Errorf("stored report = %+v", stored)
	}

	rec = authed(http.MethodDelete, "/api/v1/reports/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = authed(http.MethodGet, "/api/v1/reports/"+id)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(Deps{Analyzer: &fakeAnalyzer{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/food/analyze", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestDegradedReportFlaggedInHistory(t *testing.T) {
	store := testStore(t)
	analyzer := &fakeAnalyzer{report: report.FoodReport{
		OverallDescription: "raw text",
		Note:               "local fallback",
	}}
	h := NewHandler(Deps{Analyzer: analyzer, Store: store, Token: "t"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, imageRequest(t, "/api/v1/food/analyze", []byte{1}, "image/jpeg", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	history, err := store.ListAnalyses(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || !history[0].Degraded {
		t.Errorf("history = %+v, want degraded entry", history)
	}
}
