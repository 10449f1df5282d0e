package mistral

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestRecognizeParsesPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pages":[
            {"index":0,"markdown":"page one","confidence":0.9},
            {"index":1,"markdown":"page two","confidence":0.7}
        ]}`))
	}))
	defer server.Close()

	client := NewClient("key", WithBaseURL(server.URL))
	result, err := client.Recognize(context.Background(), writeTempFile(t, "pdf-bytes"), "application/pdf")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if result.TotalPages != 2 {
		t.Errorf("TotalPages = %d, want 2", result.TotalPages)
	}
	if result.Text != "page one\n\npage two" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.AverageConfidence < 0.79 || result.AverageConfidence > 0.81 {
		t.Errorf("AverageConfidence = %f, want 0.8", result.AverageConfidence)
	}
	if result.Pages[0].Number != 1 || result.Pages[1].Number != 2 {
		t.Errorf("page numbers = %d, %d", result.Pages[0].Number, result.Pages[1].Number)
	}
}

func TestRecognizeTagsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient("key", WithBaseURL(server.URL))
	_, err := client.Recognize(context.Background(), writeTempFile(t, "x"), "application/pdf")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestRecognizeTagsBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("key", WithBaseURL(server.URL))
	_, err := client.Recognize(context.Background(), writeTempFile(t, "x"), "application/pdf")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestRecognizeServerErrorIsPlain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient("key", WithBaseURL(server.URL))
	_, err := client.Recognize(context.Background(), writeTempFile(t, "x"), "application/pdf")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrRateLimited) {
		t.Errorf("server error mis-tagged: %v", err)
	}
}

func TestRecognizeRequiresAPIKey(t *testing.T) {
	client := NewClient(" ")
	_, err := client.Recognize(context.Background(), writeTempFile(t, "x"), "application/pdf")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}
