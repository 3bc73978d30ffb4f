// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// HubView define a interface read-only que o router precisa do hub.
// Isso desacopla o pacote observability do hub sem expor o Hub inteiro.
type HubView interface {
	StatusSnapshot() StatusData
	AgentsSnapshot() []AgentSummary
	CommandsSnapshot() CommandsResponse
}

// NewRouter cria o http.Handler da API de observabilidade.
// Aplica middleware ACL em todas as rotas.
func NewRouter(view HubView, events *EventStore, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	// API v1
	mux.HandleFunc("GET /api/v1/status", makeStatusHandler(view))
	mux.HandleFunc("GET /api/v1/agents", makeAgentsHandler(view))
	mux.HandleFunc("GET /api/v1/commands", makeCommandsHandler(view))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))

	// Root: página mínima apontando para os endpoints da API
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html><html><head><title>N-Fleet Hub</title></head><body><h1>N-Fleet Hub</h1><p>API: /api/v1/status | /api/v1/agents | /api/v1/commands | /api/v1/events</p></body></html>`))
	})

	return acl.Middleware(mux)
}

// makeStatusHandler retorna status do processo, uptime e contadores do hub.
func makeStatusHandler(view HubView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := view.StatusSnapshot()
		resp := StatusResponse{
			Status:          "ok",
			Uptime:          time.Since(startTime).String(),
			Version:         Version,
			Go:              runtime.Version(),
			ConnectedAgents: data.ConnectedAgents,
			KnownAgents:     data.KnownAgents,
			ActiveCommands:  data.ActiveCommands,
			PendingDeferred: data.PendingDeferred,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// makeAgentsHandler retorna o inventário de agents conhecidos pelo hub.
func makeAgentsHandler(view HubView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents := view.AgentsSnapshot()
		if agents == nil {
			agents = []AgentSummary{}
		}
		writeJSON(w, http.StatusOK, agents)
	}
}

// makeCommandsHandler retorna comandos em execução e a fila de agendados.
func makeCommandsHandler(view HubView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := view.CommandsSnapshot()
		if resp.Active == nil {
			resp.Active = []ActiveCommand{}
		}
		if resp.Deferred == nil {
			resp.Deferred = []DeferredSummary{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// makeEventsHandler retorna os últimos eventos do ring (query param limit, default 100).
func makeEventsHandler(events *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeJSON(w, http.StatusOK, []EventEntry{})
			return
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, events.Recent(limit))
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
