// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// timeLayout é o formato dos timestamps persistidos (hora local).
const timeLayout = "2006-01-02 15:04:05"

// UserRecord é a entrada de um agent no diretório.
type UserRecord struct {
	Alias        string `json:"alias"`
	Status       string `json:"status"` // ON | OFF
	LastLogin    string `json:"last_login"`
	LastLogout   string `json:"last_logout,omitempty"`
	ConnectCount int    `json:"connect_count,omitempty"`
	LastIP       string `json:"last_ip,omitempty"`
}

type usersFile struct {
	Users map[string]*UserRecord `json:"users"`
}

type sessionEntry struct {
	Login  string  `json:"login"`
	Logout *string `json:"logout"`
}

type historyFile struct {
	Username string         `json:"username"`
	Alias    string         `json:"alias"`
	Sessions []sessionEntry `json:"sessions"`
}

// Directory mantém o cadastro de agents: id estável → alias, status e
// histórico de sessões. Agents são registrados no primeiro handshake e nunca
// removidos. Persistido em users.json; o histórico vai em um JSON por alias.
type Directory struct {
	mu         sync.Mutex
	usersPath  string
	historyDir string
	users      map[string]*UserRecord
	aliasIndex map[string]string // alias minúsculo → id
	logger     *slog.Logger
}

// NewDirectory carrega (ou inicia vazio) o diretório persistido em
// {dataDir}/users.json com histórico em {dataDir}/history/.
func NewDirectory(dataDir string, logger *slog.Logger) (*Directory, error) {
	d := &Directory{
		usersPath:  filepath.Join(dataDir, "users.json"),
		historyDir: filepath.Join(dataDir, "history"),
		users:      make(map[string]*UserRecord),
		aliasIndex: make(map[string]string),
		logger:     logger,
	}

	var file usersFile
	err := loadJSON(d.usersPath, &file)
	switch {
	case err == nil:
		for id, rec := range file.Users {
			d.users[id] = rec
			d.aliasIndex[strings.ToLower(rec.Alias)] = id
		}
	case os.IsNotExist(err):
		// Primeiro boot.
	default:
		// Arquivo corrompido não derruba o hub; o diretório recomeça e o
		// arquivo será reescrito no próximo registro.
		logger.Error("loading user directory, starting empty", "path", d.usersPath, "error", err)
	}

	if err := os.MkdirAll(d.historyDir, 0o755); err != nil {
		return nil, err
	}
	return d, nil
}

// Register cadastra ou reativa um agent. O alias é atribuído na primeira
// aparição e nunca muda. Retorna o alias e se o id é novo.
func (d *Directory) Register(id, ip string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().Format(timeLayout)
	rec, ok := d.users[id]
	if !ok {
		alias := uniquifyAlias(Transliterate(id), func(a string) bool {
			_, exists := d.aliasIndex[strings.ToLower(a)]
			return exists
		})
		rec = &UserRecord{
			Alias:        alias,
			Status:       "ON",
			LastLogin:    now,
			ConnectCount: 1,
			LastIP:       ip,
		}
		d.users[id] = rec
		d.aliasIndex[strings.ToLower(alias)] = id
		d.logger.Info("new agent registered", "agent", id, "alias", alias)
	} else {
		rec.Status = "ON"
		rec.LastLogin = now
		rec.ConnectCount++
		rec.LastIP = ip
		d.logger.Info("agent login", "agent", id, "alias", rec.Alias)
	}

	d.persistLocked()
	d.appendHistoryLocked(id, rec.Alias, "login", now)
	return rec.Alias, !ok
}

// Logout marca o agent como desconectado e fecha a sessão aberta mais
// recente no histórico.
func (d *Directory) Logout(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.users[id]
	if !ok {
		return
	}
	now := time.Now().Format(timeLayout)
	rec.Status = "OFF"
	rec.LastLogout = now

	d.persistLocked()
	d.appendHistoryLocked(id, rec.Alias, "logout", now)
	d.logger.Info("agent logout", "agent", id, "alias", rec.Alias)
}

// MarkAllOffline fecha todas as sessões abertas no shutdown do hub.
func (d *Directory) MarkAllOffline() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().Format(timeLayout)
	changed := false
	for id, rec := range d.users {
		if rec.Status != "ON" {
			continue
		}
		rec.Status = "OFF"
		rec.LastLogout = now
		d.appendHistoryLocked(id, rec.Alias, "logout", now)
		changed = true
	}
	if changed {
		d.persistLocked()
	}
}

// Alias retorna o alias de um id registrado, ou "" se desconhecido.
func (d *Directory) Alias(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.users[id]; ok {
		return rec.Alias
	}
	return ""
}

// ResolveAlias converte um alias (case-insensitive) de volta no id. Entradas
// que não são alias conhecidos voltam intactas: o chamador pode receber
// tanto o id quanto o alias do operador.
func (d *Directory) ResolveAlias(s string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.aliasIndex[strings.ToLower(s)]; ok {
		return id
	}
	return s
}

// AllIDs retorna todos os ids registrados em ordem estável.
func (d *Directory) AllIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot devolve uma cópia do diretório para exibição (list, status, API).
func (d *Directory) Snapshot() map[string]UserRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]UserRecord, len(d.users))
	for id, rec := range d.users {
		out[id] = *rec
	}
	return out
}

func (d *Directory) persistLocked() {
	if err := saveJSON(d.usersPath, usersFile{Users: d.users}); err != nil {
		d.logger.Error("saving user directory", "error", err)
	}
}

// appendHistoryLocked registra login/logout em history/<alias>.json. Um
// logout fecha a sessão aberta mais recente.
func (d *Directory) appendHistoryLocked(id, alias, action, now string) {
	path := filepath.Join(d.historyDir, alias+".json")

	hist := historyFile{Username: id, Alias: alias}
	if err := loadJSON(path, &hist); err != nil && !os.IsNotExist(err) {
		d.logger.Error("loading session history, starting fresh", "alias", alias, "error", err)
		hist = historyFile{Username: id, Alias: alias}
	}

	switch action {
	case "login":
		hist.Sessions = append(hist.Sessions, sessionEntry{Login: now})
	case "logout":
		for i := len(hist.Sessions) - 1; i >= 0; i-- {
			if hist.Sessions[i].Logout == nil {
				hist.Sessions[i].Logout = &now
				break
			}
		}
	}

	if err := saveJSON(path, hist); err != nil {
		d.logger.Error("saving session history", "alias", alias, "error", err)
	}
}
