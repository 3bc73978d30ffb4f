// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// Groups mantém conjuntos nomeados de agents. Membros podem ser ids ou
// aliases; a resolução para id acontece no uso, não no cadastro — um membro
// pode nem existir ainda no diretório. Persistido em groups.json como mapa
// plano nome → lista.
type Groups struct {
	mu     sync.Mutex
	path   string
	groups map[string][]string
	logger *slog.Logger
}

// NewGroups carrega o registro de grupos de path (vazio se não existir).
func NewGroups(path string, logger *slog.Logger) *Groups {
	g := &Groups{
		path:   path,
		groups: make(map[string][]string),
		logger: logger,
	}
	if err := loadJSON(path, &g.groups); err != nil && !os.IsNotExist(err) {
		logger.Error("loading groups, starting empty", "path", path, "error", err)
		g.groups = make(map[string][]string)
	}
	return g
}

// Create registra um grupo novo. Nome duplicado é erro.
func (g *Groups) Create(name string, members []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.groups[name]; exists {
		return fmt.Errorf("group %q already exists", name)
	}
	g.groups[name] = append([]string(nil), members...)
	g.persistLocked()
	g.logger.Info("group created", "group", name, "members", len(members))
	return nil
}

// Delete remove um grupo. Grupo inexistente é erro.
func (g *Groups) Delete(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.groups[name]; !exists {
		return fmt.Errorf("group %q not found", name)
	}
	delete(g.groups, name)
	g.persistLocked()
	g.logger.Info("group deleted", "group", name)
	return nil
}

// Members retorna a lista crua de membros de um grupo.
func (g *Groups) Members(name string) ([]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.groups[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), members...), true
}

// Names retorna os nomes de grupo em ordem alfabética.
func (g *Groups) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Groups) persistLocked() {
	if err := saveJSON(g.path, g.groups); err != nil {
		g.logger.Error("saving groups", "error", err)
	}
}
