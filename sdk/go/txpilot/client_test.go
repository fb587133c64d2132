package txpilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateSessionSendsAPIKey(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Fatalf("expected bearer key, got %q", r.Header.Get("Authorization"))
		}
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Operation == nil || req.Operation.Kind != "native_transfer" {
			t.Fatalf("unexpected operation: %+v", req.Operation)
		}
		created = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey("key-1")

	session, err := client.CreateSession(context.Background(), CreateSessionRequest{
		Operation: &Operation{Kind: "native_transfer", ChainID: 1, To: "0x1", Amount: "0xde0b6b3a7640000"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "sess-1" {
		t.Fatalf("unexpected session id: %s", session.ID)
	}
	if !created {
		t.Fatal("session was not created")
	}
}

func TestApproveReturnsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1/approve" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Snapshot{
			Connected:      true,
			ApprovalIndex:  1,
			TotalApprovals: 2,
			CanApprove:     true,
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	snap, err := client.Approve(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if snap.ApprovalIndex != 1 || snap.TotalApprovals != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestListSessionsFiltersByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "pending" {
			t.Fatalf("unexpected status filter: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Session{{ID: "sess-1", Status: "pending"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	sessions, err := client.ListSessions(context.Background(), "pending")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestGetSessionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "SESSION_NOT_FOUND",
			"message": "会话不存在",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetSession(context.Background(), "sess-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "SESSION_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestAutopilotAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1/autopilot" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Autopilot(context.Background(), "sess-1"); err != nil {
		t.Fatalf("autopilot: %v", err)
	}
}

func TestHistoryPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/history" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]ExecutionRecord{{SessionID: "sess-1", Status: "succeeded"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	records, err := client.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "sess-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}
