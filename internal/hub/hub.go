// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hub implementa o lado servidor do n-fleet: aceita conexões TCP de
// agents, mantém o diretório de identidades, distribui comandos (imediatos e
// agendados), recebe outputs e arquivos, e expõe o console interativo do
// operador. Cada conexão vive numa Session própria; o Hub concentra o estado
// compartilhado entre elas.
package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/hub/observability"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// eventRingCap limita quantos eventos recentes ficam em memória para a API.
const eventRingCap = 500

// housekeepingEvery controla a varredura de trash e o envio offsite.
const housekeepingEvery = time.Minute

// LastOutput guarda o resultado mais recente de um agent para o verbo save.
type LastOutput struct {
	Content   string
	Kind      string // OUTPUT | FILETRU
	Timestamp string
}

// Hub é o estado compartilhado do servidor: subsistemas de persistência,
// monitoração e as sessões ativas. Métodos são seguros para uso concorrente
// pelas goroutines de sessão e pelo console.
type Hub struct {
	cfg     *config.HubConfig
	logger  *slog.Logger
	dataDir string

	dir      *Directory
	groups   *Groups
	deferred *DeferredStore
	monitor  *CommandMonitor
	archive  *OutputArchive
	state    *StateWriter
	events   *observability.EventStore // nil quando a API está desligada
	offsite  *OffsiteUploader          // nil quando offsite está desligado

	sessions sync.Map // agent id → *Session
	lastOut  sync.Map // agent id → LastOutput

	outMu sync.Mutex
	out   io.Writer // destino das mensagens do console

	wg sync.WaitGroup
}

// New monta o Hub com todos os subsistemas a partir da configuração. Cria o
// data dir se preciso e carrega diretório, grupos e agendados do disco.
func New(cfg *config.HubConfig, logger *slog.Logger) (*Hub, error) {
	dataDir := cfg.Hub.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}

	dir, err := NewDirectory(dataDir, logger)
	if err != nil {
		return nil, err
	}
	deferred, err := NewDeferredStore(
		filepath.Join(dataDir, "scheduled_commands.json"),
		filepath.Join(dataDir, "scheduled_output"),
		logger,
	)
	if err != nil {
		return nil, err
	}
	archive, err := NewOutputArchive(dataDir, cfg.Archive, logger)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		dataDir:  dataDir,
		dir:      dir,
		groups:   NewGroups(filepath.Join(dataDir, "groups.json"), logger),
		deferred: deferred,
		archive:  archive,
		state:    NewStateWriter(filepath.Join(dataDir, "server_state.json"), logger),
		out:      os.Stdout,
	}
	h.monitor = NewCommandMonitor(
		cfg.Timeouts.Warning, cfg.Timeouts.Command, cfg.Timeouts.MonitorTick,
		logger, h.commandWarn, h.commandCancel,
	)

	if cfg.Observability.Enabled {
		events, err := observability.NewEventStore(
			filepath.Join(dataDir, cfg.Observability.EventsFile),
			eventRingCap, cfg.Observability.EventsMaxLines,
		)
		if err != nil {
			return nil, fmt.Errorf("opening event store: %w", err)
		}
		h.events = events
	}
	if cfg.Offsite.Enabled {
		offsite, err := NewOffsiteUploader(cfg.Offsite, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring offsite uploader: %w", err)
		}
		h.offsite = offsite
	}
	return h, nil
}

// Run abre o listener TCP e serve até o contexto ser cancelado ou o operador
// digitar EXIT no console.
func Run(ctx context.Context, cfg *config.HubConfig, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Hub.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Hub.Listen, err)
	}
	return RunWithListener(ctx, ln, cfg, logger, os.Stdin, os.Stdout)
}

// RunWithListener serve conexões num listener já aberto, com entrada e saída
// de console injetáveis. EOF no console encerra o hub, igual ao EXIT.
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.HubConfig, logger *slog.Logger, consoleIn io.Reader, consoleOut io.Writer) error {
	h, err := New(cfg, logger)
	if err != nil {
		return err
	}
	if consoleOut != nil {
		h.out = consoleOut
	}

	// Estado de uma execução anterior vira log de recuperação, não replay.
	h.state.LogPrevious()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	h.monitor.Start()
	defer h.monitor.Stop()

	sched := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Timeouts.StateSnapshot), h.saveState); err != nil {
		return fmt.Errorf("scheduling state snapshot: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", housekeepingEvery), func() {
		h.archive.SweepTrash()
		if h.offsite != nil {
			h.offsite.Sync(runCtx, filepath.Join(h.dataDir, "trash"), filepath.Join(h.dataDir, "save"))
		}
	}); err != nil {
		return fmt.Errorf("scheduling housekeeping: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Observability.Enabled {
		acl := observability.NewACL(cfg.Observability.ParsedCIDRs)
		obsSrv := &http.Server{
			Addr:         cfg.Observability.Listen,
			Handler:      observability.NewRouter(h, h.events, acl),
			ReadTimeout:  cfg.Observability.ReadTimeout,
			WriteTimeout: cfg.Observability.WriteTimeout,
			IdleTimeout:  cfg.Observability.IdleTimeout,
		}
		go func() {
			h.logger.Info("observability API listening", "address", cfg.Observability.Listen)
			if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("observability API failed", "error", err)
			}
		}()
		defer obsSrv.Close()
	}

	// O console roda na própria goroutine; EXIT (ou EOF) derruba o runCtx.
	go func() {
		h.runConsole(runCtx, consoleIn)
		cancelRun()
	}()

	go func() {
		<-runCtx.Done()
		ln.Close()
	}()

	h.logger.Info("hub listening", "address", ln.Addr().String())
	h.consolef("N-Fleet hub listening on %s\n", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-runCtx.Done():
				h.shutdown()
				return nil
			default:
				h.logger.Error("accepting connection", "error", err)
				continue
			}
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			newSession(h, conn).run(runCtx)
		}()
	}
}

// shutdown avisa os agents, espera as sessões drenarem e grava o estado final.
func (h *Hub) shutdown() {
	h.logger.Info("hub shutting down")
	h.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		s.WriteFrame(protocol.ServerShutdown)
		s.conn.Close()
		return true
	})
	h.wg.Wait()
	h.dir.MarkAllOffline()
	h.saveState()
	if h.events != nil {
		h.events.Close()
	}
	h.logger.Info("hub stopped")
	h.consolef("Hub stopped.\n")
}

// commandWarn avisa agent e operador que um comando passou do limite de aviso.
// Disparado pelo monitor uma única vez por comando.
func (h *Hub) commandWarn(id string, st CommandState, elapsed, remaining time.Duration) {
	s, ok := h.sessionFor(id)
	if !ok {
		return
	}
	warn := fmt.Sprintf("WARNING: command running over %ds", int(h.cfg.Timeouts.Warning.Seconds()))
	if err := s.WriteFrame(warn); err != nil {
		h.logger.Warn("sending slow command warning", "agent", id, "error", err)
	}
	h.consolef("WARNING: %s running for %ds on %s (cancel in %ds)\n",
		st.Kind, int(elapsed.Seconds()), s.alias, int(remaining.Seconds()))
	h.pushEvent("warn", "command_warning", id, st.Command, st.Seq)
}

// commandCancel encerra um comando que estourou o limite total. O monitor já
// removeu o registro; aqui só avisamos o agent e soltamos o tracking local.
func (h *Hub) commandCancel(id string, st CommandState) {
	s, ok := h.sessionFor(id)
	if !ok {
		return
	}
	if err := s.WriteFrame(protocol.CmdFrame(protocol.CancelTimeout)); err != nil {
		h.logger.Warn("sending timeout cancel", "agent", id, "error", err)
	}
	s.CancelTracking(st)
	h.consolef("Command timed out on %s after %ds: %s\n",
		s.alias, int(h.cfg.Timeouts.Command.Seconds()), protocol.Truncate(st.Command, 80))
	h.pushEvent("warn", "command_timeout", id, st.Command, st.Seq)
	h.saveState()
}

// saveState grava o snapshot de estado corrente (conectados, comandos ativos
// e buffers de output parciais) para diagnóstico pós-queda.
func (h *Hub) saveState() {
	buffers := make(map[string]BufferState)
	h.sessions.Range(func(k, v any) bool {
		if st, ok := v.(*Session).outputBuffer(); ok {
			buffers[k.(string)] = st
		}
		return true
	})
	h.state.Save(h.connectedIDs(), h.monitor.Snapshot(), buffers)
}

// connectedIDs lista os ids com sessão ativa, em ordem estável.
func (h *Hub) connectedIDs() []string {
	var ids []string
	h.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (h *Hub) sessionFor(id string) (*Session, bool) {
	v, ok := h.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (h *Hub) setLastOutput(id, kind, content string) {
	h.lastOut.Store(id, LastOutput{
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now().Format(timeLayout),
	})
}

func (h *Hub) lastOutput(id string) (LastOutput, bool) {
	v, ok := h.lastOut.Load(id)
	if !ok {
		return LastOutput{}, false
	}
	return v.(LastOutput), true
}

// pushEvent publica no event store da API quando ela está ligada.
func (h *Hub) pushEvent(level, eventType, agent, message string, seq int64) {
	if h.events == nil {
		return
	}
	h.events.PushEvent(level, eventType, h.dir.Alias(agent), message, seq)
}

// consolef escreve na saída do operador. Sessões e monitor usam isto para
// noticiar conclusões sem disputar o io.Writer.
func (h *Hub) consolef(format string, args ...any) {
	if h.out == nil {
		return
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}

// readCommandFile carrega a lista de comandos do modo simpl, uma por linha,
// ignorando linhas em branco.
func (h *Hub) readCommandFile() ([]string, error) {
	data, err := os.ReadFile(h.cfg.Hub.CommandFile)
	if err != nil {
		return nil, fmt.Errorf("reading command file: %w", err)
	}
	var cmds []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmds = append(cmds, line)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("command file %s has no commands", h.cfg.Hub.CommandFile)
	}
	return cmds, nil
}

// StatusSnapshot implementa observability.HubView.
func (h *Hub) StatusSnapshot() observability.StatusData {
	connected := 0
	h.sessions.Range(func(_, _ any) bool {
		connected++
		return true
	})
	return observability.StatusData{
		ConnectedAgents: connected,
		KnownAgents:     len(h.dir.Snapshot()),
		ActiveCommands:  len(h.monitor.Snapshot()),
		PendingDeferred: len(h.deferred.Active()),
	}
}

// AgentsSnapshot implementa observability.HubView.
func (h *Hub) AgentsSnapshot() []observability.AgentSummary {
	users := h.dir.Snapshot()
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]observability.AgentSummary, 0, len(ids))
	for _, id := range ids {
		rec := users[id]
		out = append(out, observability.AgentSummary{
			ID:           id,
			Alias:        rec.Alias,
			Status:       rec.Status,
			ConnectCount: rec.ConnectCount,
			LastLogin:    rec.LastLogin,
			LastLogout:   rec.LastLogout,
			LastIP:       rec.LastIP,
		})
	}
	return out
}

// CommandsSnapshot implementa observability.HubView.
func (h *Hub) CommandsSnapshot() observability.CommandsResponse {
	var resp observability.CommandsResponse
	for id, st := range h.monitor.Snapshot() {
		resp.Active = append(resp.Active, observability.ActiveCommand{
			Agent:       h.dir.Alias(id),
			Command:     st.Command,
			Type:        st.Kind,
			ElapsedSecs: time.Since(st.Started).Seconds(),
			Received:    st.Received,
			Total:       st.Total,
		})
	}
	sort.Slice(resp.Active, func(i, j int) bool { return resp.Active[i].Agent < resp.Active[j].Agent })

	for _, rec := range h.deferred.Active() {
		resp.Deferred = append(resp.Deferred, observability.DeferredSummary{
			Seq:       rec.Seq,
			Target:    rec.Target,
			Type:      rec.CommandType,
			Detail:    rec.Describe(),
			CreatedAt: rec.CreatedAt,
			Expected:  rec.ExpectedUsers,
			Completed: rec.CompletedUsers,
		})
	}
	return resp
}

// generateSessionID gera um UUID v4 simples para identificar sessões de agent.
func generateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant RFC 4122
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
