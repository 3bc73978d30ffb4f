// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// StatusResponse é retornado por GET /api/v1/status.
type StatusResponse struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	Version         string `json:"version"`
	Go              string `json:"go"`
	ConnectedAgents int    `json:"connected_agents"`
	KnownAgents     int    `json:"known_agents"`
	ActiveCommands  int    `json:"active_commands"`
	PendingDeferred int    `json:"pending_deferred"`
}

// StatusData contém os contadores coletados do hub para montar o StatusResponse.
type StatusData struct {
	ConnectedAgents int
	KnownAgents     int
	ActiveCommands  int
	PendingDeferred int
}

// AgentSummary é usado na lista de GET /api/v1/agents.
type AgentSummary struct {
	ID           string `json:"id"`
	Alias        string `json:"alias"`
	Status       string `json:"status"` // ON | OFF
	ConnectCount int    `json:"connect_count"`
	LastLogin    string `json:"last_login,omitempty"`
	LastLogout   string `json:"last_logout,omitempty"`
	LastIP       string `json:"last_ip,omitempty"`
}

// ActiveCommand representa um comando em execução num agent (GET /api/v1/commands).
type ActiveCommand struct {
	Agent       string  `json:"agent"`
	Command     string  `json:"command"`
	Type        string  `json:"type"` // CMD | FILETRU | IMPORT | EXPORT
	ElapsedSecs float64 `json:"elapsed_secs"`
	Received    int     `json:"received"` // lotes completos recebidos
	Total       int     `json:"total"`    // lotes esperados
}

// DeferredSummary representa um comando agendado na fila offline.
type DeferredSummary struct {
	Seq       int64    `json:"seq"`
	Target    string   `json:"target"`
	Type      string   `json:"type"`
	Detail    string   `json:"detail"`
	CreatedAt string   `json:"created_at"`
	Expected  []string `json:"expected_users"`
	Completed []string `json:"completed_users"`
}

// CommandsResponse é retornado por GET /api/v1/commands.
type CommandsResponse struct {
	Active   []ActiveCommand   `json:"active"`
	Deferred []DeferredSummary `json:"deferred"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // agent_connected | agent_kicked | command_timeout | transfer | crash
	Agent     string `json:"agent,omitempty"`
	Seq       int64  `json:"seq,omitempty"` // sequência do comando agendado, quando houver
	Message   string `json:"message"`
}
