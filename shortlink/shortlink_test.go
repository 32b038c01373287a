package shortlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientCreateShortLink(t *testing.T) {
	var received Request
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Result{Link: "https://sho.rt/abc"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL, APIKey: "key-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := client.CreateShortLink(context.Background(), Request{
		Type:   "referral",
		Action: "claim",
		Title:  "My link",
		URL:    "https://app.test/claim/42",
	})
	if err != nil {
		t.Fatalf("create short link: %v", err)
	}
	if result.Link != "https://sho.rt/abc" {
		t.Fatalf("unexpected link: %q", result.Link)
	}
	if gotAuth != "Bearer key-123" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if received.URL != "https://app.test/claim/42" || received.Type != "referral" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestClientProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.CreateShortLink(context.Background(), Request{URL: "https://app.test/claim/1"}); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestClientEmptyLinkRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.CreateShortLink(context.Background(), Request{URL: "https://app.test/claim/1"}); err == nil {
		t.Fatalf("expected empty link rejection")
	}
}

func TestClientRequiresURL(t *testing.T) {
	client, err := NewClient(ClientConfig{Endpoint: "https://provider.test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.CreateShortLink(context.Background(), Request{}); err == nil {
		t.Fatalf("expected url requirement")
	}
}

func TestStaticDerivesFromLastSegment(t *testing.T) {
	result, err := Static{}.CreateShortLink(context.Background(), Request{URL: "https://app.test/claim/abc-123"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if result.Link != "https://short.test/abc-123" {
		t.Fatalf("unexpected link: %q", result.Link)
	}

	custom, err := Static{Base: "https://s.example/"}.CreateShortLink(context.Background(), Request{URL: "https://app.test/claim/xyz/"})
	if err != nil {
		t.Fatalf("static with base: %v", err)
	}
	if custom.Link != "https://s.example/xyz" {
		t.Fatalf("unexpected link: %q", custom.Link)
	}
}
