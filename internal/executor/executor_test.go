package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/carecast/internal/campaign"
)

func testRequest(action campaign.ActionType) *Request {
	return &Request{
		JobID:      "j1",
		TaskID:     "t1",
		ActionType: action,
		Account:    campaign.Account{ID: "acc1", Settings: map[string]string{"session": "abc"}},
		Person:     campaign.Person{ID: "c1", Name: "Ann", UID: "u-1"},
		Config:     map[string]any{"message": "Hello {{name}}, {{greeting}}", "variables": map[string]any{"greeting": "welcome"}},
	}
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var got actionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/actions/send_message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"sent"}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second}, nil)
	res, err := e.Execute(context.Background(), testRequest(campaign.ActionSendMessage))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || res.Message != "sent" {
		t.Errorf("Execute() = %+v", res)
	}
	if got.Message != "Hello Ann, welcome" {
		t.Errorf("rendered message = %q", got.Message)
	}
	if got.AccountID != "acc1" || got.AccountSettings["session"] != "abc" || got.Recipient.UID != "u-1" {
		t.Errorf("request body = %+v", got)
	}
}

func TestHTTPExecutorFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		success bool
	}{
		{"server error", http.StatusInternalServerError, `oops`, "HTTP 500", false},
		{"error body", http.StatusBadRequest, `{"error":"bad account"}`, "HTTP 400: bad account", false},
		{"malformed", http.StatusOK, `not json`, "decode response", false},
		{"provider refusal", http.StatusOK, `{"success":false,"message":"blocked"}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL}, nil)
			res, err := e.Execute(context.Background(), testRequest(campaign.ActionAddFriend))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Success != tt.success || res.Message != "blocked" {
				t.Errorf("Execute() = %+v", res)
			}
		})
	}
}

func TestHTTPExecutorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	if _, err := e.Execute(context.Background(), testRequest(campaign.ActionFindUID)); err == nil {
		t.Fatal("Execute() expected timeout error")
	}
}

func TestSandboxExecutor(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	defer db.Close()

	s, err := NewSandboxExecutor(db, nil)
	if err != nil {
		t.Fatalf("NewSandboxExecutor() error = %v", err)
	}
	ctx := context.Background()

	res, err := s.Execute(ctx, testRequest(campaign.ActionSendMessage))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Errorf("Execute() = %+v, want success", res)
	}

	s.SetErrorSimulation(true, 1)
	res, err = s.Execute(ctx, testRequest(campaign.ActionAddFriend))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success || res.Message == "" {
		t.Errorf("Execute() = %+v, want simulated failure", res)
	}

	captured, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(captured) != 2 {
		t.Fatalf("List() = %d, want 2", len(captured))
	}
	if captured[1].Message != "Hello Ann, welcome" {
		t.Errorf("captured message = %q", captured[1].Message)
	}

	n, err := s.Clear(ctx)
	if err != nil || n != 2 {
		t.Errorf("Clear() = %d, %v", n, err)
	}
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"", ""},
		{"Hi {{ name }}", "Hi Ann"},
		{"{{unknown}} stays", "{{unknown}} stays"},
		{"{{phone}}", ""},
	}
	vars := variables(nil, campaign.Person{Name: "Ann"})
	for _, tt := range tests {
		if got := renderTemplate(tt.tmpl, vars); got != tt.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}
