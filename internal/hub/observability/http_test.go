// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

// mockView implementa HubView para testes.
type mockView struct {
	status   StatusData
	agents   []AgentSummary
	commands CommandsResponse
}

func (m *mockView) StatusSnapshot() StatusData         { return m.status }
func (m *mockView) AgentsSnapshot() []AgentSummary     { return m.agents }
func (m *mockView) CommandsSnapshot() CommandsResponse { return m.commands }

func localhostACL(t *testing.T) *ACL {
	t.Helper()
	return NewACL(parseCIDRs(t, "127.0.0.1/32"))
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatus_ReturnsCounters(t *testing.T) {
	view := &mockView{status: StatusData{
		ConnectedAgents: 3,
		KnownAgents:     7,
		ActiveCommands:  1,
		PendingDeferred: 4,
	}}
	router := NewRouter(view, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime field")
	}
	if resp.Go == "" {
		t.Error("expected go version field")
	}
	if resp.ConnectedAgents != 3 {
		t.Errorf("expected connected_agents 3, got %d", resp.ConnectedAgents)
	}
	if resp.PendingDeferred != 4 {
		t.Errorf("expected pending_deferred 4, got %d", resp.PendingDeferred)
	}
}

func TestAgents_EmptyList(t *testing.T) {
	router := NewRouter(&mockView{}, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []AgentSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected empty agents, got %d", len(resp))
	}
}

func TestAgents_WithData(t *testing.T) {
	view := &mockView{agents: []AgentSummary{
		{ID: "web-01", Alias: "web-01", Status: "ON", ConnectCount: 5, LastLogin: "2025-01-01 10:00:00", LastIP: "10.0.0.1:54321"},
		{ID: "сервер-1", Alias: "server-1", Status: "OFF", ConnectCount: 2, LastLogout: "2025-01-01 09:00:00"},
	}}
	router := NewRouter(view, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []AgentSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(resp))
	}
	found := false
	for _, a := range resp {
		if a.ID == "сервер-1" && a.Alias == "server-1" && a.Status == "OFF" {
			found = true
		}
	}
	if !found {
		t.Error("expected offline agent 'сервер-1' with alias 'server-1'")
	}
}

func TestCommands_ActiveAndDeferred(t *testing.T) {
	view := &mockView{commands: CommandsResponse{
		Active: []ActiveCommand{
			{Agent: "web-01", Command: "uptime", Type: "CMD", ElapsedSecs: 12.5, Received: 0, Total: 1},
		},
		Deferred: []DeferredSummary{
			{Seq: 3, Target: "group:web", Type: "CMD", Detail: "df -h", Expected: []string{"web-02"}, Completed: []string{"web-01"}},
		},
	}}
	router := NewRouter(view, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/commands")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp CommandsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Active) != 1 || resp.Active[0].Command != "uptime" {
		t.Errorf("expected 1 active command 'uptime', got %+v", resp.Active)
	}
	if len(resp.Deferred) != 1 || resp.Deferred[0].Seq != 3 {
		t.Errorf("expected deferred seq 3, got %+v", resp.Deferred)
	}
}

func TestCommands_NilSlicesBecomeEmpty(t *testing.T) {
	router := NewRouter(&mockView{}, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/commands")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	var resp map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if string(resp["active"]) == "null" {
		t.Error("expected active to be [], got null")
	}
	if string(resp["deferred"]) == "null" {
		t.Error("expected deferred to be [], got null")
	}
}

func TestEvents_FromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.PushEvent("info", "agent_connected", "web-01", "agent registered", 0)
	store.PushEvent("warn", "command_timeout", "web-01", "cancelled", 9)

	router := NewRouter(&mockView{}, store, localhostACL(t))

	rec := doGet(t, router, "/api/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp))
	}
	if resp[1].Type != "command_timeout" || resp[1].Seq != 9 {
		t.Errorf("expected command_timeout seq 9, got %+v", resp[1])
	}
}

func TestEvents_LimitParam(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store, err := NewEventStore(path, 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for i := 0; i < 10; i++ {
		store.PushEvent("info", "test", "", "msg", 0)
	}

	router := NewRouter(&mockView{}, store, localhostACL(t))

	rec := doGet(t, router, "/api/v1/events?limit=4")
	var resp []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 4 {
		t.Errorf("expected 4 events with limit, got %d", len(resp))
	}
}

func TestEvents_NilStoreReturnsEmpty(t *testing.T) {
	router := NewRouter(&mockView{}, nil, localhostACL(t))

	rec := doGet(t, router, "/api/v1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected empty events, got %d", len(resp))
	}
}

func TestACL_BlocksStatusEndpoint(t *testing.T) {
	// ACL só permite 10.0.0.0/8
	acl := NewACL(parseCIDRs(t, "10.0.0.0/8"))
	router := NewRouter(&mockView{}, nil, acl)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.RemoteAddr = "192.168.1.1:12345" // não permitido
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestRoot_ReturnsLandingPage(t *testing.T) {
	router := NewRouter(&mockView{}, nil, localhostACL(t))

	rec := doGet(t, router, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("expected Content-Type text/html, got %q", ct)
	}
}

func TestNotFound_Returns404(t *testing.T) {
	router := NewRouter(&mockView{}, nil, localhostACL(t))

	rec := doGet(t, router, "/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
