// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// jobQueueSize limita comandos aguardando o worker único. Fila cheia
// bloqueia o loop de leitura, o que segura o hub.
const jobQueueSize = 128

// Job é um comando shell vindo do hub com o prefixo da resposta.
type Job struct {
	Command string
	Prefix  string // OUTPUT ou FILETRU
}

// Executor roda comandos um por vez, na ordem de chegada. A resposta de
// cada job sai como um bloco START/CHUNK/END pelo callback reply.
type Executor struct {
	shell   string
	timeout time.Duration
	logger  *slog.Logger
	reply   func(prefix, text string) error

	jobs chan Job

	mu     sync.Mutex
	cancel context.CancelFunc // cancel do job em execução; nil fora dele
	notice string             // texto que substitui a resposta de um job cancelado

	wg sync.WaitGroup
}

func NewExecutor(cfg config.ShellConfig, logger *slog.Logger, reply func(prefix, text string) error) *Executor {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{
		shell:   shell,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "executor"),
		reply:   reply,
		jobs:    make(chan Job, jobQueueSize),
	}
}

// Start inicia o worker único. O worker encerra quando ctx morre.
func (e *Executor) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-e.jobs:
				e.execute(ctx, job)
			}
		}
	}()
}

// Stop aguarda o worker encerrar. O contexto passado a Start já deve estar
// cancelado.
func (e *Executor) Stop() {
	e.wg.Wait()
}

// Submit enfileira um job atrás dos que já aguardam.
func (e *Executor) Submit(job Job) {
	e.jobs <- job
}

// Cancel mata o job em execução, se houver, e registra o texto que vai no
// lugar da resposta dele. Sem job em execução é um no-op.
func (e *Executor) Cancel(notice string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return
	}
	e.notice = notice
	e.cancel()
}

func (e *Executor) execute(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	e.mu.Lock()
	e.cancel = cancel
	e.notice = ""
	e.mu.Unlock()

	started := time.Now()
	text, runErr := e.runShell(runCtx, job.Command)

	e.mu.Lock()
	notice := e.notice
	e.cancel = nil
	e.mu.Unlock()
	cancel()

	switch {
	case notice != "":
		// O output de um job cancelado é descartado.
		text = notice
	case errors.Is(runErr, context.DeadlineExceeded):
		text = "ERROR: command ran too long (timeout)"
	case ctx.Err() != nil:
		return // agent encerrando
	}

	e.logger.Debug("command finished",
		"command", protocol.Truncate(job.Command, 60), "elapsed", time.Since(started), "kind", job.Prefix)
	if err := e.reply(job.Prefix, text); err != nil {
		e.logger.Warn("sending command reply", "error", err)
	}
}

// runShell executa o comando via shell e devolve o texto de resposta.
// Quando o contexto encerra, mata o grupo de processos inteiro, alcançando
// filhos criados por pipes e subshells.
func (e *Executor) runShell(ctx context.Context, command string) (string, error) {
	cmd := exec.Command(e.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("ERROR: %v", err), nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		// Pid negativo endereça o grupo de processos.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return "", ctx.Err()
	case waitErr = <-done:
	}

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return fmt.Sprintf("ERROR: %v", waitErr), nil
	}

	text := stdout.String()
	if stderr.Len() > 0 {
		text += "\n[STDERR]:\n" + stderr.String()
	}
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("Command finished. Return code: %d", exitCode)
	}
	return text, nil
}
