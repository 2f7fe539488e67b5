package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subtitle-stt-engine/internal/service/transcriber"
)

type fakeController struct {
	ready    bool
	err      error
	files    []fileRequest
	cancels  int
	loads    int
	settings []transcriber.SettingsUpdate
}

func (f *fakeController) Ready() bool     { return f.ready }
func (f *fakeController) Status() any     { return map[string]string{"state": "READY"} }
func (f *fakeController) RecentLogs() any { return []string{"model loaded"} }

func (f *fakeController) LoadModel() error {
	f.loads++
	return f.err
}

func (f *fakeController) TranscribeFile(path string, segmented bool) error {
	f.files = append(f.files, fileRequest{Path: path, Segmented: segmented})
	return f.err
}

func (f *fakeController) CancelFile() error {
	f.cancels++
	return f.err
}

func (f *fakeController) UpdateSettings(u transcriber.SettingsUpdate) error {
	f.settings = append(f.settings, u)
	return f.err
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		ready bool
		code  int
	}{
		{false, http.StatusServiceUnavailable},
		{true, http.StatusOK},
	}
	for _, tt := range tests {
		rec := serve(NewRouter(&fakeController{ready: tt.ready}), http.MethodGet, "/v1/readiness", "")
		if rec.Code != tt.code {
			t.Errorf("ready=%v: expected %d, got %d", tt.ready, tt.code, rec.Code)
		}
	}
}

func TestLiveness(t *testing.T) {
	rec := serve(NewRouter(&fakeController{}), http.MethodGet, "/v1/liveness", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("unexpected liveness response %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	rec := serve(NewRouter(&fakeController{}), http.MethodGet, "/v1/status", "")
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["state"] != "READY" {
		t.Errorf("unexpected status %v", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %s", ct)
	}
}

func TestFiles(t *testing.T) {
	ctl := &fakeController{}
	h := NewRouter(ctl)

	rec := serve(h, http.MethodPost, "/v1/files", `{"path":"/data/talk.wav","segmented":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(ctl.files) != 1 || ctl.files[0].Path != "/data/talk.wav" || !ctl.files[0].Segmented {
		t.Errorf("unexpected file requests %+v", ctl.files)
	}

	if rec := serve(h, http.MethodPost, "/v1/files", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing path, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/v1/files", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", rec.Code)
	}

	if rec := serve(h, http.MethodPost, "/v1/files/cancel", ""); rec.Code != http.StatusAccepted || ctl.cancels != 1 {
		t.Errorf("unexpected cancel result %d, %d cancels", rec.Code, ctl.cancels)
	}
}

func TestSettings(t *testing.T) {
	ctl := &fakeController{}
	rec := serve(NewRouter(ctl), http.MethodPut, "/v1/settings", `{"language":"en","extra":{"beam_size":3}}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(ctl.settings) != 1 || ctl.settings[0].Language == nil || *ctl.settings[0].Language != "en" {
		t.Errorf("unexpected settings %+v", ctl.settings)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{transcriber.ErrQueueFull, http.StatusServiceUnavailable},
		{transcriber.ErrNotStarted, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ctl := &fakeController{err: tt.err}
		rec := serve(NewRouter(ctl), http.MethodPost, "/v1/model/load", "")
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
	}
}
