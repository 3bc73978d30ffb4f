// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"log/slog"
	"sync"
	"time"
)

// CommandState descreve um comando em execução em um agent.
type CommandState struct {
	Seq      int64  // seq do comando adiado; 0 para comando interativo
	Command  string // forma exibível
	Kind     string // CMD | FILETRU | IMPORT | EXPORT
	Total    int    // lotes de output esperados
	Received int    // lotes completos recebidos
	Started  time.Time
}

type monitorEntry struct {
	CommandState
	warned bool
}

// CommandMonitor acompanha comandos registrados por agent e dispara os
// callbacks de aviso e cancelamento quando os prazos estouram. Registrar um
// comando novo para o mesmo agent substitui o anterior.
type CommandMonitor struct {
	logger   *slog.Logger
	warnAt   time.Duration
	cancelAt time.Duration
	tick     time.Duration
	warnFn   func(id string, st CommandState, elapsed, remaining time.Duration)
	cancelFn func(id string, st CommandState)

	mu     sync.Mutex
	active map[string]*monitorEntry
	close  chan struct{}
	wg     sync.WaitGroup
}

// NewCommandMonitor cria o monitor. warnFn e cancelFn são chamados fora do
// lock interno e podem registrar/desregistrar comandos.
func NewCommandMonitor(
	warnAt, cancelAt, tick time.Duration,
	logger *slog.Logger,
	warnFn func(id string, st CommandState, elapsed, remaining time.Duration),
	cancelFn func(id string, st CommandState),
) *CommandMonitor {
	return &CommandMonitor{
		logger:   logger.With("component", "command_monitor"),
		warnAt:   warnAt,
		cancelAt: cancelAt,
		tick:     tick,
		warnFn:   warnFn,
		cancelFn: cancelFn,
		active:   make(map[string]*monitorEntry),
		close:    make(chan struct{}),
	}
}

// Start inicia a varredura periódica.
func (m *CommandMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop encerra a varredura.
func (m *CommandMonitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Register passa a acompanhar um comando do agent. Started é preenchido aqui.
func (m *CommandMonitor) Register(id string, st CommandState) {
	st.Started = time.Now()
	st.Received = 0
	m.mu.Lock()
	m.active[id] = &monitorEntry{CommandState: st}
	m.mu.Unlock()
	m.logger.Debug("command registered", "agent", id, "kind", st.Kind, "total", st.Total)
}

// Credit conta um lote de output completo. Retorna o estado atualizado e se
// havia comando ativo para o agent.
func (m *CommandMonitor) Credit(id string) (CommandState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[id]
	if !ok {
		return CommandState{}, false
	}
	e.Received++
	return e.CommandState, true
}

// Unregister esquece o comando ativo do agent, se houver.
func (m *CommandMonitor) Unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Lookup retorna o comando ativo do agent.
func (m *CommandMonitor) Lookup(id string) (CommandState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[id]
	if !ok {
		return CommandState{}, false
	}
	return e.CommandState, true
}

// Snapshot retorna os comandos ativos por agent.
func (m *CommandMonitor) Snapshot() map[string]CommandState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CommandState, len(m.active))
	for id, e := range m.active {
		out[id] = e.CommandState
	}
	return out
}

func (m *CommandMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

type timeoutAction struct {
	id        string
	st        CommandState
	elapsed   time.Duration
	remaining time.Duration
	cancel    bool
}

// sweep coleta as ações sob lock e dispara os callbacks fora dele.
func (m *CommandMonitor) sweep(now time.Time) {
	var actions []timeoutAction

	m.mu.Lock()
	for id, e := range m.active {
		elapsed := now.Sub(e.Started)
		switch {
		case elapsed > m.cancelAt:
			actions = append(actions, timeoutAction{id: id, st: e.CommandState, elapsed: elapsed, cancel: true})
			delete(m.active, id)
		case elapsed > m.warnAt && !e.warned:
			e.warned = true
			actions = append(actions, timeoutAction{
				id: id, st: e.CommandState,
				elapsed:   elapsed,
				remaining: m.cancelAt - elapsed,
			})
		}
	}
	m.mu.Unlock()

	for _, a := range actions {
		if a.cancel {
			m.logger.Warn("command timed out, cancelling",
				"agent", a.id, "kind", a.st.Kind, "command", a.st.Command, "elapsed", a.elapsed.Round(time.Second))
			if m.cancelFn != nil {
				m.cancelFn(a.id, a.st)
			}
			continue
		}
		m.logger.Warn("command running long",
			"agent", a.id, "kind", a.st.Kind, "elapsed", a.elapsed.Round(time.Second))
		if m.warnFn != nil {
			m.warnFn(a.id, a.st, a.elapsed, a.remaining)
		}
	}
}
