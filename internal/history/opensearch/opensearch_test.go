package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/tunnelmon/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedPath, receivedMethod, contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	event := history.Event{
		Type:       history.EventURL,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			SessionID: "os-session",
			PID:       12345,
			TunnelURL: "https://abc-def.trycloudflare.com",
			Status:    "running",
		},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedPath != "/test-index/_doc" {
		t.Errorf("Expected path /test-index/_doc, got: %s", receivedPath)
	}
	if contentType != "application/json" {
		t.Errorf("Expected application/json, got: %s", contentType)
	}

	var got history.Event
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Type != history.EventURL || got.Record.TunnelURL != event.Record.TunnelURL || got.Record.SessionID != "os-session" {
		t.Errorf("unexpected payload: %s", receivedBody)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop})
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	if err := New(url, "idx").Send(context.Background(), history.Event{Type: history.EventStop}); err == nil {
		t.Fatal("Expected error for closed server")
	}
}
