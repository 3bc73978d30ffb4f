// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-fleet/internal/logging"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// sessionWriteTimeout é o deadline de write por frame (e por bloco de corpo
// de arquivo) enviado a um agent.
const sessionWriteTimeout = 10 * time.Second

// kickCloseDelay dá tempo do frame KICK chegar antes do close.
const kickCloseDelay = 500 * time.Millisecond

// maxProtocolErrors é o orçamento de erros de protocolo consecutivos antes
// do kick. Qualquer frame válido zera a contagem.
const maxProtocolErrors = 5

// Intervalos de replay de comandos adiados.
const (
	replayRecordPace = 300 * time.Millisecond
	replayLinePace   = 200 * time.Millisecond
)

// errProtocol marca um frame malformado que não quebra o enquadramento do
// stream: a sessão sobrevive, mas o erro conta contra o orçamento.
var errProtocol = errors.New("hub: protocol error")

// errExportAborted sinaliza EXPORT:ABORT do agent no lugar de uma unidade.
// O abort acontece em fronteira de unidade, então o stream segue enquadrado.
var errExportAborted = errors.New("hub: export aborted by agent")

// Session é a conexão viva de um agent do lado do hub. O loop de leitura é
// dono exclusivo do FrameBuffer; escritas (console, monitor, replay) são
// serializadas por writeMu.
type Session struct {
	hub       *Hub
	conn      net.Conn
	fb        *protocol.FrameBuffer
	id        string
	alias     string
	sessionID string
	logger    *slog.Logger
	logCloser io.Closer

	writeMu sync.Mutex

	// Agregação de saída de comandos (START/CHUNK/END).
	asmMu     sync.Mutex
	asm       protocol.ChunkAssembler
	batch     []string // lotes completos do comando em andamento
	batchKind string

	// FIFO de seqs adiados despachados aguardando frame terminal.
	pendMu  sync.Mutex
	pending []int64

	// Campos abaixo pertencem à goroutine do loop de leitura.
	errCount        int
	lastExportCount int
}

func newSession(h *Hub, conn net.Conn) *Session {
	return &Session{
		hub:    h,
		conn:   conn,
		fb:     protocol.NewFrameBuffer(conn),
		logger: h.logger.With("remote", conn.RemoteAddr().String()),
	}
}

// run conduz a sessão do handshake ao cleanup. Pânico em qualquer handler
// derruba apenas esta sessão, com dump em crash.log.
func (s *Session) run(ctx context.Context) {
	defer s.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.hub.archive.AppendCrash(r, debug.Stack(), s.hub.connectedIDs(), s.hub.monitor.Snapshot())
			s.logger.Error("session panic, crash dumped", "cause", fmt.Sprint(r))
		}
	}()

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("handshake failed", "error", err)
		return
	}
	defer s.cleanup()

	s.replayDeferred(ctx)
	s.loop(ctx)
}

// handshake lê a primeira linha (id do agent) sob o prazo configurado,
// resolve conexões duplicadas e registra o agent no diretório.
func (s *Session) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.hub.cfg.Timeouts.Handshake)
	line, err := s.fb.ReadLine(hsCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reading agent id: %w", err)
	}

	id := strings.TrimSpace(line)
	if id == "" {
		return errors.New("empty agent id")
	}
	if err := validateName(id, "agent id"); err != nil {
		return err
	}
	s.id = id

	// Conexão duplicada: a nova assume; a antiga é expulsa. O Swap antes do
	// kick garante que o cleanup da antiga não toque a entrada nova.
	if prev, loaded := s.hub.sessions.Swap(id, s); loaded {
		old := prev.(*Session)
		old.logger.Warn("duplicate connection, kicking old session")
		old.Kick("Duplicate connection")
	}

	ip := s.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	alias, isNew := s.hub.dir.Register(id, ip)
	s.alias = alias
	s.sessionID = generateSessionID()
	s.logger = s.hub.logger.With("agent", id, "alias", alias, "session", s.sessionID)

	if dir := s.hub.cfg.Hub.SessionLogDir; dir != "" {
		sessionLogger, closer, path, err := logging.NewSessionLogger(s.logger, dir, alias, s.sessionID)
		if err != nil {
			s.logger.Warn("session log disabled", "error", err)
		} else {
			s.logger = sessionLogger
			s.logCloser = closer
			s.logger.Debug("session log opened", "path", path)
		}
	}

	s.logger.Info("agent connected", "new", isNew)
	s.hub.pushEvent("info", "agent_connected", id, "registered as "+alias, 0)
	if err := s.WriteFrame(protocol.ServerFrame("Registered as " + alias)); err != nil {
		return err
	}

	// Prazo de inatividade por leitura; estouro no loop principal não é
	// fatal, apenas registrado.
	s.fb.SetStall(s.hub.cfg.Timeouts.Idle)
	s.hub.saveState()
	return nil
}

// replayDeferred despacha os comandos adiados pendentes para este agent, na
// ordem da fila, com o espaçamento configurado entre registros.
func (s *Session) replayDeferred(ctx context.Context) {
	records := s.hub.deferred.PendingFor(s.id)
	if len(records) == 0 {
		return
	}
	s.logger.Info("replaying deferred commands", "count", len(records))

	pace := rate.NewLimiter(rate.Every(replayRecordPace), 1)
	for _, rec := range records {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		switch rec.CommandType {
		case DeferredCmd:
			s.replayCmd(rec)
		case DeferredSimpl:
			s.replaySimpl(ctx, rec)
		case DeferredImport:
			s.replayImport(rec)
		case DeferredExport:
			s.replayExport(rec)
		default:
			s.logger.Warn("unknown deferred type, skipping", "seq", rec.Seq, "type", rec.CommandType)
		}
	}
}

func (s *Session) replayCmd(rec DeferredCommand) {
	cmd := SubstituteUser(rec.Command, s.id)
	s.hub.monitor.Register(s.id, CommandState{Seq: rec.Seq, Command: cmd, Kind: DeferredCmd, Total: 1})
	if err := s.WriteFrame(protocol.CmdFrame(cmd)); err != nil {
		s.logger.Warn("deferred CMD send failed", "seq", rec.Seq, "error", err)
		s.hub.monitor.Unregister(s.id)
		return
	}
	s.pushPending(rec.Seq)
	s.logger.Info("deferred CMD sent", "seq", rec.Seq, "command", cmd)
}

func (s *Session) replaySimpl(ctx context.Context, rec DeferredCommand) {
	lines, err := s.hub.readCommandFile()
	if err != nil {
		s.logger.Error("command file unavailable, deferred SIMPL kept pending", "seq", rec.Seq, "error", err)
		return
	}
	display := fmt.Sprintf("simpl (%d commands)", len(lines))
	s.hub.monitor.Register(s.id, CommandState{Seq: rec.Seq, Command: display, Kind: protocol.PrefixFiletru, Total: len(lines)})

	pace := rate.NewLimiter(rate.Every(replayLinePace), 1)
	for _, cmd := range lines {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		if err := s.WriteFrame(protocol.FiletruFrame(SubstituteUser(cmd, s.id))); err != nil {
			s.logger.Warn("deferred SIMPL send failed", "seq", rec.Seq, "error", err)
			s.hub.monitor.Unregister(s.id)
			return
		}
	}
	s.pushPending(rec.Seq)
	s.logger.Info("deferred SIMPL sent", "seq", rec.Seq, "commands", len(lines))
}

// replayImport envia o lote na hora e credita o registro imediatamente: o
// protocolo não confirma o lado do agent para importações adiadas.
func (s *Session) replayImport(rec DeferredCommand) {
	src := SubstituteUser(rec.SourcePath, s.id)
	dst := SubstituteUser(rec.DestPath, s.id)
	s.hub.monitor.Register(s.id, CommandState{Seq: rec.Seq, Command: "import " + src, Kind: DeferredImport, Total: 1})
	defer s.hub.monitor.Unregister(s.id)

	n, err := s.SendImport(src, dst)
	if err != nil {
		s.logger.Error("deferred IMPORT failed, kept pending", "seq", rec.Seq, "error", err)
		return
	}
	out := fmt.Sprintf("IMPORT: %s → %s [OK]", src, dst)
	s.hub.deferred.MarkCompleted(rec.Seq, s.id, out)
	s.hub.consolef("Deferred #%d completed by %s\n", rec.Seq, s.alias)
	s.hub.pushEvent("info", "transfer", s.id, fmt.Sprintf("IMPORT: %d files to %s", n, dst), rec.Seq)
	s.logger.Info("deferred IMPORT sent", "seq", rec.Seq, "files", n)
}

func (s *Session) replayExport(rec DeferredCommand) {
	src := SubstituteUser(rec.SourcePath, s.id)
	dst := SubstituteUser(rec.DestPath, s.id)
	s.hub.monitor.Register(s.id, CommandState{Seq: rec.Seq, Command: "export " + src, Kind: DeferredExport, Total: 1})
	if err := s.WriteFrame(protocol.ExportRequestFrame(src, dst)); err != nil {
		s.logger.Warn("deferred EXPORT send failed", "seq", rec.Seq, "error", err)
		s.hub.monitor.Unregister(s.id)
		return
	}
	s.pushPending(rec.Seq)
	s.logger.Info("deferred EXPORT requested", "seq", rec.Seq, "src", src, "dest", dst)
}

// loop consome frames até a conexão cair, o orçamento de erros estourar ou
// o hub encerrar.
func (s *Session) loop(ctx context.Context) {
	for {
		line, err := s.fb.ReadLine(ctx)
		if err != nil {
			if isDeadline(err) && ctx.Err() == nil {
				s.logger.Debug("idle timeout, still waiting")
				continue
			}
			if errors.Is(err, protocol.ErrFrameTooLong) {
				s.logger.Error("oversized frame, closing session")
				s.Kick("Protocol errors")
				return
			}
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("read failed", "error", err)
			}
			return
		}

		err = s.dispatch(ctx, line)
		switch {
		case err == nil:
			s.errCount = 0
		case errors.Is(err, errProtocol):
			s.errCount++
			if s.errCount >= maxProtocolErrors {
				s.logger.Warn("protocol error budget exhausted")
				s.Kick("Protocol errors")
				return
			}
		default:
			s.logger.Warn("session failed", "error", err)
			return
		}
	}
}

// dispatch trata um frame do agent. Retorna errProtocol para frames
// malformados que não quebram o enquadramento; outros erros encerram a
// sessão.
func (s *Session) dispatch(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	prefix, rest, _ := strings.Cut(line, ":")

	switch prefix {
	case protocol.PrefixOutput, protocol.PrefixFiletru:
		switch {
		case strings.HasPrefix(rest, "START:"):
			s.chunkStart(prefix, line)
		case strings.HasPrefix(rest, "CHUNK:"):
			s.chunkAdd(prefix, line)
		case rest == "END":
			s.chunkEnd(prefix)
		default:
			s.logger.Warn("malformed output frame", "frame", protocol.Truncate(line, 50))
			return errProtocol
		}
		return nil

	case protocol.PrefixExport:
		switch {
		case strings.HasPrefix(rest, "START:"):
			return s.receiveExport(ctx, line)
		case rest == "COMPLETE":
			s.exportComplete()
			return nil
		case strings.HasPrefix(rest, "ERROR:"):
			s.exportError(strings.TrimPrefix(rest, "ERROR:"))
			return nil
		default:
			s.logger.Warn("malformed export frame", "frame", protocol.Truncate(line, 50))
			return errProtocol
		}

	case protocol.PrefixImport:
		switch {
		case rest == "COMPLETE":
			s.logger.Info("import confirmed by agent")
			s.hub.monitor.Unregister(s.id)
		case strings.HasPrefix(rest, "ERROR:"):
			s.logger.Warn("import failed on agent", "error", strings.TrimPrefix(rest, "ERROR:"))
			s.hub.monitor.Unregister(s.id)
		default:
			s.logger.Warn("malformed import frame", "frame", protocol.Truncate(line, 50))
			return errProtocol
		}
		return nil

	default:
		// Linhas livres digitadas no terminal do agent chegam por aqui.
		// Aparecem no console, mas ainda contam no orçamento de erros.
		s.hub.consolef("%s: %s\n", s.alias, line)
		s.logger.Warn("unknown frame", "frame", protocol.Truncate(line, 50))
		return errProtocol
	}
}

func (s *Session) chunkStart(kind, line string) {
	total := protocol.ParseTrailingInt(line)
	s.asmMu.Lock()
	s.asm.Start(kind, total)
	s.asmMu.Unlock()
	s.logger.Debug("output batch started", "kind", kind, "lines", total)
}

func (s *Session) chunkAdd(kind, line string) {
	s.asmMu.Lock()
	if !s.asm.Active() {
		// CHUNK sem START: abre a agregação para não perder a saída.
		s.asm.Start(kind, 0)
	}
	s.asm.Add(protocol.ChunkPayload(line, kind))
	s.asmMu.Unlock()
}

// chunkEnd fecha o lote corrente. Quando o comando registrado atinge o total
// de lotes, a saída combinada é arquivada. O crédito da fila adiada segue a
// posição do frame terminal, não o monitor: cada END final credita o seq da
// frente da fila mesmo que o rastreio já tenha sido sobrescrito.
func (s *Session) chunkEnd(kind string) {
	s.asmMu.Lock()
	text := s.asm.Text()
	s.asm.Reset()
	s.batch = append(s.batch, text)
	s.batchKind = kind
	s.asmMu.Unlock()

	st, tracked := s.hub.monitor.Credit(s.id)
	if tracked && st.Received < st.Total {
		s.logger.Debug("batch complete", "kind", kind, "received", st.Received, "total", st.Total)
		return
	}

	combined := s.takeBatches()
	s.hub.setLastOutput(s.id, kind, combined)

	command := st.Command
	if tracked {
		s.hub.archive.AppendCommandOutput(s.alias, st.Command, kind, combined)
		s.hub.monitor.Unregister(s.id)
	}

	if seq, ok := s.popPending(); ok {
		s.hub.deferred.MarkCompleted(seq, s.id, combined)
		s.hub.consolef("Deferred #%d completed by %s\n", seq, s.alias)
		s.hub.pushEvent("info", "command_completed", s.id, command, seq)
	} else if tracked {
		s.hub.pushEvent("info", "command_completed", s.id, command, 0)
	}
	s.hub.saveState()

	if tracked {
		s.logger.Info("command output complete", "kind", kind, "command", st.Command, "bytes", len(combined))
	} else {
		// Saída sem comando registrado (ex: aviso de cancelamento).
		s.logger.Info("untracked output stored", "kind", kind, "bytes", len(combined))
	}
}

// receiveExport consome um lote EXPORT:START + unidades de arquivo. Falha de
// unidade quebra o enquadramento do stream e é fatal; destino inválido drena
// o lote para manter a sessão viva.
func (s *Session) receiveExport(ctx context.Context, line string) error {
	meta, err := protocol.ParseTransferMeta(line, protocol.PrefixExport)
	if err != nil {
		s.logger.Warn("bad export meta", "error", err)
		return errProtocol
	}

	base := filepath.Join(s.hub.dataDir, "files", s.alias)
	destDir := filepath.Join(base, filepath.FromSlash(meta.DestDir))
	if err := validatePathInBaseDir(base, destDir); err != nil {
		s.logger.Warn("export dest escapes base, draining batch", "dest", meta.DestDir, "error", err)
		if err := s.drainExport(ctx, meta.Count); err != nil {
			return err
		}
		s.abortExport()
		return errProtocol
	}

	s.logger.Info("receiving export batch", "files", meta.Count, "source", meta.Source, "dest", destDir)
	received := 0
	for i := 0; i < meta.Count; i++ {
		if err := s.receiveExportUnit(ctx, destDir); err != nil {
			if errors.Is(err, errExportAborted) {
				s.logger.Warn("export aborted by agent", "received", received, "expected", meta.Count)
				s.dropExportTracking()
				return nil
			}
			s.logger.Error("export unit failed", "received", received, "error", err)
			s.abortExport()
			return err
		}
		received++
	}
	s.lastExportCount = received

	// O agent confirma o lote com EXPORT:COMPLETE dentro do prazo curto;
	// qualquer outro frame volta para o dispatch normal.
	confirmCtx, cancel := context.WithTimeout(ctx, s.hub.cfg.Timeouts.ImportConfirm)
	confirm, err := s.fb.ReadLine(confirmCtx)
	cancel()
	if err != nil {
		if isDeadline(err) && ctx.Err() == nil {
			s.logger.Warn("export confirm timed out")
			s.hub.monitor.Unregister(s.id)
			return nil
		}
		return err
	}
	return s.dispatch(ctx, confirm)
}

func (s *Session) receiveExportUnit(ctx context.Context, destDir string) error {
	metaCtx, cancel := context.WithTimeout(ctx, s.hub.cfg.Timeouts.ExportMeta)
	line, err := s.fb.ReadLine(metaCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reading file meta: %w", err)
	}
	if line == protocol.PrefixExport+":ABORT" {
		return errExportAborted
	}
	fm, err := protocol.DecodeFileMeta(line)
	if err != nil {
		return err
	}
	rel, err := protocol.CleanRelPath(fm.RelPath)
	if err != nil {
		// rel_path inseguro: o tamanho é conhecido, então a unidade é
		// drenada e o resto do lote segue.
		s.logger.Warn("unsafe rel path in export, skipping file", "rel", fm.RelPath, "error", err)
		return s.drainUnit(ctx, fm)
	}
	return protocol.ReceiveBody(ctx, s.fb, fm, filepath.Join(destDir, filepath.FromSlash(rel)))
}

// drainUnit descarta o corpo e o FILE:END de uma unidade anunciada.
func (s *Session) drainUnit(ctx context.Context, fm protocol.FileMeta) error {
	if _, err := s.fb.ReadInto(ctx, io.Discard, fm.Size); err != nil {
		return err
	}
	end, err := s.fb.ReadLine(ctx)
	if err != nil {
		return err
	}
	if end != "FILE:END" {
		return fmt.Errorf("%w: want FILE:END, got %q", protocol.ErrUnexpectedFrame, protocol.Truncate(end, 50))
	}
	return nil
}

// drainExport consome count unidades para o descarte, preservando o
// enquadramento quando o lote não pode ser aceito.
func (s *Session) drainExport(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		metaCtx, cancel := context.WithTimeout(ctx, s.hub.cfg.Timeouts.ExportMeta)
		line, err := s.fb.ReadLine(metaCtx)
		cancel()
		if err != nil {
			return err
		}
		if line == protocol.PrefixExport+":ABORT" {
			return nil
		}
		fm, err := protocol.DecodeFileMeta(line)
		if err != nil {
			return err
		}
		if err := s.drainUnit(ctx, fm); err != nil {
			return err
		}
	}
	return nil
}

// abortExport avisa o agent e solta o rastreio do lote sem crédito.
func (s *Session) abortExport() {
	if err := s.WriteFrame(protocol.PrefixExport + ":ABORT"); err != nil {
		s.logger.Debug("export abort write failed", "error", err)
	}
	s.dropExportTracking()
}

// dropExportTracking desregistra o comando e remove o agent do registro
// adiado sem crédito.
func (s *Session) dropExportTracking() {
	s.hub.monitor.Unregister(s.id)
	if seq, ok := s.popPending(); ok {
		s.hub.deferred.RemoveUser(seq, s.id)
		s.hub.consolef("Deferred #%d export aborted for %s\n", seq, s.alias)
	}
}

func (s *Session) exportComplete() {
	s.hub.monitor.Unregister(s.id)
	out := fmt.Sprintf("EXPORT: %d files [OK]", s.lastExportCount)
	if seq, ok := s.popPending(); ok {
		s.hub.deferred.MarkCompleted(seq, s.id, out)
		s.hub.consolef("Deferred #%d completed by %s\n", seq, s.alias)
		s.hub.pushEvent("info", "transfer", s.id, out, seq)
	} else {
		s.hub.pushEvent("info", "transfer", s.id, out, 0)
	}
	s.hub.saveState()
	s.logger.Info("export batch confirmed", "files", s.lastExportCount)
}

func (s *Session) exportError(msg string) {
	s.logger.Warn("export failed on agent", "error", msg)
	s.hub.monitor.Unregister(s.id)
	if seq, ok := s.popPending(); ok {
		s.hub.deferred.RemoveUser(seq, s.id)
		s.hub.consolef("Deferred #%d export failed for %s: %s\n", seq, s.alias, msg)
	}
}

// WriteFrame envia um frame de texto ao agent, com terminador e deadline.
func (s *Session) WriteFrame(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	if _, err := io.WriteString(s.conn, frame+"\n"); err != nil {
		return fmt.Errorf("writing frame to %s: %w", s.alias, err)
	}
	return nil
}

// SendImport empurra src (arquivo ou diretório do hub) para o agent como um
// lote IMPORT. Retorna o número de arquivos enviados. Cada unidade segura o
// write lock inteira; entre unidades outros frames podem intercalar.
func (s *Session) SendImport(src, destDir string) (int, error) {
	files, err := protocol.ListFiles(src)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no files under %s", src)
	}

	start, err := protocol.TransferStartFrame(protocol.PrefixImport, protocol.TransferMeta{
		Count:   len(files),
		DestDir: destDir,
		Source:  filepath.Base(filepath.Clean(src)),
	})
	if err != nil {
		return 0, err
	}
	if err := s.WriteFrame(start); err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := s.sendFileUnit(f.Path, f.RelPath); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

func (s *Session) sendFileUnit(abs, rel string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.SendFile(deadlineWriter{conn: s.conn, timeout: sessionWriteTimeout}, abs, rel)
}

// Kick avisa o agent e fecha a conexão.
func (s *Session) Kick(reason string) {
	s.logger.Warn("kicking agent", "reason", reason)
	if err := s.WriteFrame(protocol.KickFrame(reason)); err != nil {
		s.logger.Debug("kick write failed", "error", err)
	}
	s.hub.pushEvent("warn", "agent_kicked", s.id, reason, 0)
	time.Sleep(kickCloseDelay)
	s.conn.Close()
}

// ResetOutput descarta a agregação em andamento; usado no cancelamento.
func (s *Session) ResetOutput() {
	s.asmMu.Lock()
	s.asm.Reset()
	s.batch = s.batch[:0]
	s.batchKind = ""
	s.asmMu.Unlock()
}

// CancelTracking remove o seq cancelado da fila pendente para que o próximo
// frame terminal não credite o registro errado.
func (s *Session) CancelTracking(st CommandState) {
	s.ResetOutput()
	if st.Seq != 0 {
		s.dropPending(st.Seq)
	}
}

// outputBuffer expõe o estado da agregação para o snapshot do hub.
func (s *Session) outputBuffer() (BufferState, bool) {
	s.asmMu.Lock()
	defer s.asmMu.Unlock()
	if !s.asm.Active() && len(s.batch) == 0 {
		return BufferState{}, false
	}
	kind := s.asm.Kind
	if kind == "" {
		kind = s.batchKind
	}
	return BufferState{Kind: kind, Chunks: s.asm.Chunks, Total: s.asm.Total}, true
}

func (s *Session) takeBatches() string {
	s.asmMu.Lock()
	defer s.asmMu.Unlock()
	combined := strings.Join(s.batch, "\n\n")
	s.batch = s.batch[:0]
	s.batchKind = ""
	return combined
}

func (s *Session) pushPending(seq int64) {
	s.pendMu.Lock()
	s.pending = append(s.pending, seq)
	s.pendMu.Unlock()
}

func (s *Session) popPending() (int64, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if len(s.pending) == 0 {
		return 0, false
	}
	seq := s.pending[0]
	s.pending = s.pending[1:]
	return seq, true
}

// dropPending remove a primeira ocorrência de seq, sem crédito.
func (s *Session) dropPending(seq int64) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	for i, v := range s.pending {
		if v == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// cleanup desfaz o registro da sessão. O CompareAndDelete garante que uma
// sessão substituída por conexão duplicada não apague a entrada da nova.
func (s *Session) cleanup() {
	if s.hub.sessions.CompareAndDelete(s.id, s) {
		s.hub.dir.Logout(s.id)
		s.hub.monitor.Unregister(s.id)
		s.hub.pushEvent("info", "agent_disconnected", s.id, "disconnected", 0)
		s.hub.saveState()
		s.logger.Info("agent disconnected")
	} else {
		s.logger.Debug("session superseded, skipping directory logout")
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}

// deadlineWriter renova o write deadline a cada Write, para que corpos
// grandes sejam limitados por estagnação e não por duração total.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(p)
}

func isDeadline(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
