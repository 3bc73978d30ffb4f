// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implementa o lado cliente do n-fleet: uma conexão
// persistente com o hub por onde chegam comandos shell, pedidos de
// exportação e lotes de importação, e por onde saem as respostas.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	// transferStall é o prazo entre leituras consecutivas durante um lote
	// IMPORT. Renova a cada bloco recebido, então lotes grandes não expiram.
	transferStall = 30 * time.Second
)

// Erros que encerram uma sessão sem encerrar o agent.
var (
	errKicked   = errors.New("agent: kicked by hub")
	errShutdown = errors.New("agent: hub shutting down")
)

// Agent mantém a conexão com o hub e despacha os frames recebidos.
type Agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	dscp   int

	conn    net.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	executor *Executor
	monitor  *SystemMonitor

	in    io.Reader // terminal do operador
	out   io.Writer
	outMu sync.Mutex
}

// New valida a configuração de rede e monta o agent com seu executor.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	dscp, err := ParseDSCP(cfg.Network.DSCP)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.With("component", "agent"),
		dscp:   dscp,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	a.executor = NewExecutor(cfg.Shell, logger, a.sendReply)
	if cfg.Stats.Enabled {
		a.monitor = NewSystemMonitor(logger, cfg.Stats.Interval)
	}
	return a, nil
}

// Run conecta ao hub e mantém a sessão até o contexto encerrar ou o
// operador digitar "exit". Qualquer desconexão espera o delay configurado
// e reconecta.
func Run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	return RunWithIO(ctx, cfg, logger, os.Stdin, os.Stdout)
}

// RunWithIO roda o agent com terminal injetável, igual ao Run. Saída nil
// descarta as mensagens do terminal.
func RunWithIO(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger, in io.Reader, out io.Writer) error {
	a, err := New(cfg, logger)
	if err != nil {
		return err
	}
	if in != nil {
		a.in = in
	}
	a.out = out
	return a.Run(ctx)
}

func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if a.monitor != nil {
		a.monitor.Start()
	}
	a.executor.Start(runCtx)
	defer func() {
		cancel()
		a.executor.Stop()
		if a.monitor != nil {
			a.monitor.Stop()
		}
	}()

	go a.forwardInput(runCtx, cancel)

	delay := a.cfg.Hub.ReconnectDelay
	for {
		if runCtx.Err() != nil {
			return nil
		}

		conn, err := a.connect(runCtx)
		if err != nil {
			a.logger.Warn("hub connect failed",
				"address", a.cfg.Hub.Address, "error", err, "retry_in", delay)
			if !sleepCtx(runCtx, delay) {
				return nil
			}
			continue
		}

		a.setConn(conn)
		a.printf("Connected to hub at %s as %s\n", a.cfg.Hub.Address, a.cfg.Agent.Name)
		if a.monitor != nil {
			st := a.monitor.Stats()
			a.printf("Host: CPU %.1f%% | Mem %.1f%% | Disk %.1f%% | Load %.2f\n",
				st.CPUPercent, st.MemoryPercent, st.DiskUsagePercent, st.LoadAverage)
		}

		err = a.session(runCtx, conn)
		a.setConn(nil)
		conn.Close()

		switch {
		case runCtx.Err() != nil:
			return nil
		case errors.Is(err, errShutdown):
			a.logger.Info("hub shut down, retrying later")
		case errors.Is(err, errKicked):
			a.logger.Info("kicked by hub, reconnecting after delay")
		case err != nil:
			a.logger.Warn("session ended", "error", err)
		}
		if !sleepCtx(runCtx, delay) {
			return nil
		}
	}
}

// connect disca o hub, aplica QoS e envia a linha de identificação.
func (a *Agent) connect(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Hub.Address)
	if err != nil {
		return nil, err
	}

	if a.dscp != 0 {
		if err := ApplyDSCP(conn, a.dscp); err != nil {
			a.logger.Warn("applying DSCP, continuing without QoS", "error", err)
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", a.cfg.Agent.Name); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending agent id: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// session roda o loop de leitura até a conexão cair, o hub derrubar o agent
// ou o contexto encerrar.
func (a *Agent) session(ctx context.Context, conn net.Conn) error {
	// O read bloqueia sem deadline; fechar a conn é o que o desbloqueia
	// quando o contexto morre.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()
	defer close(watch)

	fb := protocol.NewFrameBuffer(conn)
	for {
		line, err := fb.ReadLine(ctx)
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := a.dispatch(ctx, fb, line); err != nil {
			return err
		}
	}
}

// dispatch trata um frame do hub. Comandos shell vão para a fila do
// executor; transferências rodam inline porque são donas do stream
// enquanto duram.
func (a *Agent) dispatch(ctx context.Context, fb *protocol.FrameBuffer, line string) error {
	switch {
	case line == protocol.ServerShutdown:
		a.printf("Hub is shutting down, will reconnect later.\n")
		return errShutdown

	case strings.HasPrefix(line, protocol.PrefixKick+":"):
		a.printf("Disconnected by hub: %s\n", strings.TrimPrefix(line, protocol.PrefixKick+":"))
		return errKicked

	case strings.HasPrefix(line, protocol.PrefixCmd+":"):
		payload := strings.TrimPrefix(line, protocol.PrefixCmd+":")
		switch payload {
		case protocol.CancelTimeout:
			a.printf("Hub cancelled the running command (time limit exceeded).\n")
			a.executor.Cancel("Command cancelled: time limit exceeded")
		case protocol.CancelManual:
			a.printf("Hub operator cancelled the running command.\n")
			a.executor.Cancel("Command cancelled by hub operator")
		default:
			a.executor.Submit(Job{Command: payload, Prefix: protocol.PrefixOutput})
		}

	case strings.HasPrefix(line, protocol.PrefixFiletru+":"):
		a.executor.Submit(Job{
			Command: strings.TrimPrefix(line, protocol.PrefixFiletru+":"),
			Prefix:  protocol.PrefixFiletru,
		})

	case strings.HasPrefix(line, protocol.PrefixExport+";"):
		src, dest, err := protocol.ParseExportRequest(line)
		if err != nil {
			a.logger.Warn("malformed export request", "frame", protocol.Truncate(line, 50))
			return nil
		}
		return a.runExport(ctx, src, dest)

	case strings.HasPrefix(line, protocol.PrefixImport+":START:"):
		return a.receiveImport(ctx, fb, line)

	default:
		// Server:, WARNING: e qualquer outra linha vão direto ao terminal.
		a.printf("%s\n", line)
	}
	return nil
}

// forwardInput lê o terminal do operador. Linhas viram frames de texto para
// o hub; "exit" encerra o agent.
func (a *Agent) forwardInput(ctx context.Context, cancel context.CancelFunc) {
	sc := bufio.NewScanner(a.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if text == "exit" {
			a.printf("Shutting down.\n")
			cancel()
			return
		}
		if err := a.sendLine(text); err != nil {
			a.printf("Not connected: %v\n", err)
		}
	}
}

// sendReply envia um bloco START/CHUNK/END com o prefixo dado. É o callback
// de resposta do executor.
func (a *Agent) sendReply(prefix, text string) error {
	conn := a.currentConn()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.SendChunked(deadlineWriter{conn: conn, timeout: writeTimeout}, prefix, text)
}

// sendLine envia um frame de texto avulso.
func (a *Agent) sendLine(line string) error {
	conn := a.currentConn()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err := io.WriteString(conn, line+"\n")
	return err
}

func (a *Agent) setConn(conn net.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

func (a *Agent) currentConn() net.Conn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

func (a *Agent) printf(format string, args ...any) {
	if a.out == nil {
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// sleepCtx dorme d ou até o contexto encerrar. Retorna false quando o
// contexto morreu primeiro.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// deadlineWriter renova o write deadline da conn a cada escrita, para que
// transferências longas não morram por duração total.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}
