// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"log/slog"
	"os"
	"time"
)

// staleStateAge descarta snapshots de boot anteriores mais velhos que isso.
const staleStateAge = 10 * time.Minute

// StateSnapshot é o retrato periódico do hub gravado em server_state.json.
// Serve para diagnóstico pós-morte; não é recarregado como estado vivo.
type StateSnapshot struct {
	Timestamp        float64                 `json:"timestamp"`
	Datetime         string                  `json:"datetime"`
	ConnectedClients []string                `json:"connected_clients"`
	ActiveCommands   map[string]stateCommand `json:"active_commands"`
	OutputBuffers    map[string]stateBuffer  `json:"output_buffers"`
}

type stateCommand struct {
	Command   string  `json:"command"`
	Type      string  `json:"type"`
	StartTime float64 `json:"start_time"`
	Elapsed   float64 `json:"elapsed"`
}

type stateBuffer struct {
	Type   *string `json:"type"` // null quando não há agregação ativa
	Chunks int     `json:"chunks"`
	Total  int     `json:"total"`
}

// StateWriter grava e inspeciona o snapshot de estado do hub.
type StateWriter struct {
	path   string
	logger *slog.Logger
}

func NewStateWriter(path string, logger *slog.Logger) *StateWriter {
	return &StateWriter{path: path, logger: logger}
}

// Save grava o snapshot. Falhas são logadas, nunca propagadas: o snapshot é
// diagnóstico, não pode derrubar o fluxo que o disparou.
func (w *StateWriter) Save(connected []string, active map[string]CommandState, buffers map[string]BufferState) {
	now := time.Now()
	snap := StateSnapshot{
		Timestamp:        float64(now.UnixNano()) / float64(time.Second),
		Datetime:         now.Format(timeLayout),
		ConnectedClients: connected,
		ActiveCommands:   make(map[string]stateCommand, len(active)),
		OutputBuffers:    make(map[string]stateBuffer, len(buffers)),
	}
	if snap.ConnectedClients == nil {
		snap.ConnectedClients = []string{}
	}
	for id, st := range active {
		snap.ActiveCommands[id] = stateCommand{
			Command:   st.Command,
			Type:      st.Kind,
			StartTime: float64(st.Started.UnixNano()) / float64(time.Second),
			Elapsed:   now.Sub(st.Started).Seconds(),
		}
	}
	for id, buf := range buffers {
		sb := stateBuffer{Chunks: buf.Chunks, Total: buf.Total}
		if buf.Kind != "" {
			kind := buf.Kind
			sb.Type = &kind
		}
		snap.OutputBuffers[id] = sb
	}

	if err := saveJSON(w.path, snap); err != nil {
		w.logger.Error("saving state snapshot", "error", err)
	}
}

// BufferState resume a agregação de output em curso de uma sessão.
type BufferState struct {
	Kind   string
	Chunks int
	Total  int
}

// LogPrevious lê o snapshot do boot anterior e loga um resumo informativo.
// Snapshots velhos demais são apenas anotados como obsoletos.
func (w *StateWriter) LogPrevious() {
	var snap StateSnapshot
	err := loadJSON(w.path, &snap)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		w.logger.Warn("previous state unreadable", "error", err)
		return
	}

	age := time.Since(time.Unix(0, int64(snap.Timestamp*float64(time.Second))))
	if age > staleStateAge {
		w.logger.Info("previous state is stale, ignoring", "datetime", snap.Datetime, "age", age.Round(time.Minute))
		return
	}
	w.logger.Info("previous state found",
		"datetime", snap.Datetime,
		"clients", len(snap.ConnectedClients),
		"commands", len(snap.ActiveCommands))
}
