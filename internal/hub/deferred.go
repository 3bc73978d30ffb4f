// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tipos de comando adiado.
const (
	DeferredCmd    = "CMD"
	DeferredSimpl  = "SIMPL"
	DeferredImport = "IMPORT"
	DeferredExport = "EXPORT"
)

// DeferredCommand é um comando registrado contra um alvo lógico e disparado
// quando cada agent esperado conecta. O conjunto expected_users congela na
// criação: agents que entram no grupo depois não herdam o comando.
type DeferredCommand struct {
	Seq            int64    `json:"seq"`
	Target         string   `json:"target"` // all | <id> | group:<nome>
	CommandType    string   `json:"command_type"`
	Command        string   `json:"command,omitempty"`
	SourcePath     string   `json:"source_path,omitempty"`
	DestPath       string   `json:"dest_path,omitempty"`
	CreatedAt      string   `json:"created_at"`
	ExpectedUsers  []string `json:"expected_users"`
	CompletedUsers []string `json:"completed_users"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// Describe resume o comando para exibição no console.
func (c *DeferredCommand) Describe() string {
	switch c.CommandType {
	case DeferredCmd:
		return fmt.Sprintf("CMD: %s", c.Command)
	case DeferredSimpl:
		return "SIMPL (command file)"
	default:
		return fmt.Sprintf("%s: %s -> %s", c.CommandType, c.SourcePath, c.DestPath)
	}
}

type deferredFile struct {
	Commands  []*DeferredCommand `json:"commands"`
	Completed []*DeferredCommand `json:"completed"`
	NextSeq   int64              `json:"next_seq"`
}

// DeferredStore persiste a fila de comandos adiados em
// scheduled_commands.json e os resultados por alvo em scheduled_output/.
// Toda mutação regrava o arquivo inteiro atomicamente.
type DeferredStore struct {
	mu        sync.Mutex
	path      string
	outputDir string
	commands  []*DeferredCommand
	completed []*DeferredCommand
	nextSeq   int64
	logger    *slog.Logger
}

// NewDeferredStore carrega a fila persistida. Registros antigos sem seq
// (formato anterior) ganham um na carga.
func NewDeferredStore(path, outputDir string, logger *slog.Logger) (*DeferredStore, error) {
	s := &DeferredStore{
		path:      path,
		outputDir: outputDir,
		nextSeq:   1,
		logger:    logger,
	}

	var file deferredFile
	err := loadJSON(path, &file)
	switch {
	case err == nil:
		s.commands = file.Commands
		s.completed = file.Completed
		s.nextSeq = file.NextSeq
	case os.IsNotExist(err):
		// Primeiro boot.
	default:
		logger.Error("loading deferred commands, starting empty", "path", path, "error", err)
	}

	for _, cmd := range append(append([]*DeferredCommand(nil), s.commands...), s.completed...) {
		if cmd.Seq >= s.nextSeq {
			s.nextSeq = cmd.Seq + 1
		}
	}
	for _, cmd := range s.commands {
		if cmd.Seq == 0 {
			cmd.Seq = s.nextSeq
			s.nextSeq++
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registra um comando novo com o conjunto esperado já congelado pelo
// chamador. Retorna uma cópia do registro com seq atribuído.
func (s *DeferredStore) Add(cmd DeferredCommand) DeferredCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd.Seq = s.nextSeq
	s.nextSeq++
	cmd.CreatedAt = time.Now().Format(timeLayout)
	if cmd.CompletedUsers == nil {
		cmd.CompletedUsers = []string{}
	}
	stored := cmd
	s.commands = append(s.commands, &stored)
	s.persistLocked()
	s.logger.Info("deferred command added",
		"seq", cmd.Seq, "target", cmd.Target, "type", cmd.CommandType, "expected", len(cmd.ExpectedUsers))
	return cmd
}

// PendingFor retorna cópias dos comandos ativos que ainda esperam o agent,
// na ordem de criação.
func (s *DeferredStore) PendingFor(id string) []DeferredCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeferredCommand
	for _, cmd := range s.commands {
		if containsUser(cmd.ExpectedUsers, id) {
			out = append(out, *cmd)
		}
	}
	return out
}

// MarkCompleted credita a execução do agent no comando seq: move o id de
// expected para completed e anexa o output ao arquivo de resultados do alvo.
// Quando o último esperado completa, o registro migra para a lista completed.
func (s *DeferredStore) MarkCompleted(seq int64, id, output string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(seq)
	if idx < 0 {
		return false
	}
	cmd := s.commands[idx]

	if containsUser(cmd.ExpectedUsers, id) {
		cmd.ExpectedUsers = removeUser(cmd.ExpectedUsers, id)
		cmd.CompletedUsers = append(cmd.CompletedUsers, id)
	}

	s.writeOutputLocked(cmd.Target, id, output)

	if len(cmd.ExpectedUsers) == 0 {
		cmd.CompletedAt = time.Now().Format(timeLayout)
		s.completed = append(s.completed, cmd)
		s.commands = append(s.commands[:idx], s.commands[idx+1:]...)
		s.logger.Info("deferred command completed", "seq", seq, "target", cmd.Target)
	}

	s.persistLocked()
	return true
}

// RemoveUser tira o agent do conjunto esperado sem crédito nem output
// (falha de EXPORT). Esvaziar o conjunto ainda completa o registro.
func (s *DeferredStore) RemoveUser(seq int64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(seq)
	if idx < 0 {
		return
	}
	cmd := s.commands[idx]
	if !containsUser(cmd.ExpectedUsers, id) {
		return
	}
	cmd.ExpectedUsers = removeUser(cmd.ExpectedUsers, id)

	if len(cmd.ExpectedUsers) == 0 {
		cmd.CompletedAt = time.Now().Format(timeLayout)
		s.completed = append(s.completed, cmd)
		s.commands = append(s.commands[:idx], s.commands[idx+1:]...)
	}
	s.persistLocked()
}

// Delete remove um comando ativo pelo seq (chart_del).
func (s *DeferredStore) Delete(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(seq)
	if idx < 0 {
		return false
	}
	s.commands = append(s.commands[:idx], s.commands[idx+1:]...)
	s.persistLocked()
	s.logger.Info("deferred command deleted", "seq", seq)
	return true
}

// Active retorna cópias dos comandos ainda não concluídos.
func (s *DeferredStore) Active() []DeferredCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeferredCommand, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, *cmd)
	}
	return out
}

// Completed retorna cópias dos comandos concluídos.
func (s *DeferredStore) Completed() []DeferredCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeferredCommand, 0, len(s.completed))
	for _, cmd := range s.completed {
		out = append(out, *cmd)
	}
	return out
}

// SubstituteUser aplica o placeholder {user} → id em um campo de payload.
// A substituição acontece no despacho, nunca no armazenamento.
func SubstituteUser(text, id string) string {
	return strings.ReplaceAll(text, "{user}", id)
}

// OutputFileName deriva o arquivo de resultados do alvo do registro.
func OutputFileName(target string) string {
	switch {
	case target == "all":
		return "ALL.txt"
	case strings.HasPrefix(target, "group:"):
		return "group_" + strings.TrimPrefix(target, "group:") + ".txt"
	default:
		return target + ".txt"
	}
}

func (s *DeferredStore) findLocked(seq int64) int {
	for i, cmd := range s.commands {
		if cmd.Seq == seq {
			return i
		}
	}
	return -1
}

// writeOutputLocked anexa "<id>\n<output>\n\n\n" ao arquivo de resultados.
func (s *DeferredStore) writeOutputLocked(target, id, output string) {
	path := filepath.Join(s.outputDir, OutputFileName(target))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("opening deferred output file", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n%s\n\n\n", id, output); err != nil {
		s.logger.Error("writing deferred output", "path", path, "error", err)
	}
}

func (s *DeferredStore) persistLocked() {
	file := deferredFile{
		Commands:  s.commands,
		Completed: s.completed,
		NextSeq:   s.nextSeq,
	}
	if file.Commands == nil {
		file.Commands = []*DeferredCommand{}
	}
	if file.Completed == nil {
		file.Completed = []*DeferredCommand{}
	}
	if err := saveJSON(s.path, file); err != nil {
		s.logger.Error("saving deferred commands", "error", err)
	}
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}

func removeUser(users []string, id string) []string {
	out := users[:0]
	for _, u := range users {
		if u != id {
			out = append(out, u)
		}
	}
	return out
}
