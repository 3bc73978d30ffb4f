// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// errConsoleExit encerra o loop do console e derruba o hub.
var errConsoleExit = errors.New("hub: console exit")

// runConsole lê verbos do operador até EXIT ou EOF. Entrada nil deixa o hub
// rodando sem console (modo teste).
func (h *Hub) runConsole(ctx context.Context, in io.Reader) {
	if in == nil {
		<-ctx.Done()
		return
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := h.dispatchConsole(sc, line); err != nil {
			if errors.Is(err, errConsoleExit) {
				return
			}
			h.consolef("Error: %v\n", err)
		}
	}
}

// dispatchConsole interpreta uma linha do operador. Verbos desconhecidos
// viram broadcast de texto livre para todos os agents.
func (h *Hub) dispatchConsole(sc *bufio.Scanner, line string) error {
	fields := strings.Fields(line)

	switch fields[0] {
	case "EXIT":
		return errConsoleExit

	case "помощь", "help":
		h.printHelp()

	case "status":
		h.printStatus()

	case "list":
		h.printList()

	case "save":
		if len(fields) != 2 {
			return fmt.Errorf("usage: save <name>")
		}
		return h.saveOutputs(fields[1])

	case "cancel":
		if len(fields) != 2 {
			return fmt.Errorf("usage: cancel <target>")
		}
		return h.cancelCommand(fields[1])

	case "kick":
		if len(fields) != 2 {
			return fmt.Errorf("usage: kick <target|all>")
		}
		return h.kickTarget(fields[1])

	case "CMD":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 || strings.TrimSpace(parts[2]) == "" {
			return fmt.Errorf("usage: CMD <target> <command>")
		}
		return h.sendCommand(parts[1], parts[2])

	case "simpl":
		if len(fields) != 2 {
			return fmt.Errorf("usage: simpl <target>")
		}
		return h.sendSimpl(fields[1])

	case "export":
		if len(fields) < 3 || len(fields) > 4 {
			return fmt.Errorf("usage: export <target> <src> [dest]")
		}
		dest := "received"
		if len(fields) == 4 {
			dest = fields[3]
		}
		return h.sendExport(fields[1], fields[2], dest)

	case "import":
		if len(fields) != 4 {
			return fmt.Errorf("usage: import <target> <src> <destDir>")
		}
		return h.sendImport(fields[1], fields[2], fields[3])

	case "group_new":
		if len(fields) != 2 {
			return fmt.Errorf("usage: group_new <name>")
		}
		return h.groupNew(sc, fields[1])

	case "group_list":
		h.printGroups()

	case "group_del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: group_del <name>")
		}
		if err := h.groups.Delete(fields[1]); err != nil {
			return err
		}
		h.consolef("Group %s deleted\n", fields[1])

	case "chart_new":
		return h.chartNew(sc)

	case "chart_list":
		h.printChartList()

	case "chart_comd":
		h.printChartReport()

	case "chart_del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: chart_del <seq>")
		}
		seq, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seq %q", fields[1])
		}
		if !h.deferred.Delete(seq) {
			return fmt.Errorf("deferred #%d not found", seq)
		}
		h.consolef("Deferred #%d deleted\n", seq)

	default:
		h.broadcast(line)
	}
	return nil
}

// resolveTargets expande um alvo em sessões CONECTADAS. Comandos de console
// só alcançam quem está online; para alvos offline existe o chart_new.
func (h *Hub) resolveTargets(target string) ([]*Session, error) {
	var out []*Session
	switch {
	case target == "all":
		h.sessions.Range(func(_, v any) bool {
			out = append(out, v.(*Session))
			return true
		})
		sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	case strings.HasPrefix(target, "group:"):
		name := strings.TrimPrefix(target, "group:")
		members, ok := h.groups.Members(name)
		if !ok {
			return nil, fmt.Errorf("unknown group: %s", name)
		}
		for _, m := range members {
			if s, ok := h.sessionFor(h.dir.ResolveAlias(m)); ok {
				out = append(out, s)
			}
		}

	default:
		if s, ok := h.sessionFor(h.dir.ResolveAlias(target)); ok {
			out = append(out, s)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no connected agents match %s", target)
	}
	return out, nil
}

// expandTargetIDs congela o alvo em ids para um comando adiado. Aliases
// desconhecidos ficam como digitados: o agent pode registrar depois.
func (h *Hub) expandTargetIDs(target string) ([]string, error) {
	switch {
	case target == "all":
		ids := h.dir.AllIDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("no agents known to the directory")
		}
		return ids, nil

	case strings.HasPrefix(target, "group:"):
		name := strings.TrimPrefix(target, "group:")
		members, ok := h.groups.Members(name)
		if !ok {
			return nil, fmt.Errorf("unknown group: %s", name)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("group %s is empty", name)
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, h.dir.ResolveAlias(m))
		}
		return ids, nil

	default:
		return []string{h.dir.ResolveAlias(target)}, nil
	}
}

func (h *Hub) sendCommand(target, command string) error {
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		cmd := SubstituteUser(command, s.id)
		h.monitor.Register(s.id, CommandState{Command: cmd, Kind: protocol.PrefixCmd, Total: 1})
		if err := s.WriteFrame(protocol.CmdFrame(cmd)); err != nil {
			h.monitor.Unregister(s.id)
			h.consolef("Error sending to %s: %v\n", s.alias, err)
			continue
		}
		h.consolef("Command sent to %s\n", s.alias)
	}
	h.saveState()
	return nil
}

func (h *Hub) sendSimpl(target string) error {
	lines, err := h.readCommandFile()
	if err != nil {
		return err
	}
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		display := fmt.Sprintf("simpl (%d commands)", len(lines))
		h.monitor.Register(s.id, CommandState{Command: display, Kind: protocol.PrefixFiletru, Total: len(lines)})
		sent := 0
		for _, cmd := range lines {
			if err := s.WriteFrame(protocol.FiletruFrame(SubstituteUser(cmd, s.id))); err != nil {
				h.consolef("Error sending batch to %s after %d commands: %v\n", s.alias, sent, err)
				break
			}
			sent++
			time.Sleep(replayLinePace)
		}
		if sent == len(lines) {
			h.consolef("Batch of %d commands sent to %s\n", sent, s.alias)
		}
	}
	h.saveState()
	return nil
}

func (h *Hub) sendExport(target, src, dest string) error {
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		srcSub := SubstituteUser(src, s.id)
		destSub := SubstituteUser(dest, s.id)
		h.monitor.Register(s.id, CommandState{Command: "export " + srcSub, Kind: DeferredExport, Total: 1})
		if err := s.WriteFrame(protocol.ExportRequestFrame(srcSub, destSub)); err != nil {
			h.monitor.Unregister(s.id)
			h.consolef("Error requesting export from %s: %v\n", s.alias, err)
			continue
		}
		h.consolef("Export requested from %s: %s\n", s.alias, srcSub)
	}
	return nil
}

func (h *Hub) sendImport(target, src, destDir string) error {
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		srcSub := SubstituteUser(src, s.id)
		destSub := SubstituteUser(destDir, s.id)
		h.monitor.Register(s.id, CommandState{Command: "import " + srcSub, Kind: DeferredImport, Total: 1})
		n, err := s.SendImport(srcSub, destSub)
		h.monitor.Unregister(s.id)
		if err != nil {
			h.consolef("Error importing to %s: %v\n", s.alias, err)
			continue
		}
		h.consolef("IMPORT: %d files sent to %s\n", n, s.alias)
		h.pushEvent("info", "transfer", s.id, fmt.Sprintf("IMPORT: %d files to %s", n, destSub), 0)
	}
	return nil
}

func (h *Hub) cancelCommand(target string) error {
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		st, ok := h.monitor.Lookup(s.id)
		if !ok {
			h.consolef("No active command on %s\n", s.alias)
			continue
		}
		if err := s.WriteFrame(protocol.CmdFrame(protocol.CancelManual)); err != nil {
			h.consolef("Error sending cancel to %s: %v\n", s.alias, err)
			continue
		}
		h.monitor.Unregister(s.id)
		s.CancelTracking(st)
		h.consolef("Cancel sent to %s\n", s.alias)
		h.pushEvent("info", "command_cancelled", s.id, st.Command, st.Seq)
	}
	h.saveState()
	return nil
}

func (h *Hub) kickTarget(target string) error {
	sessions, err := h.resolveTargets(target)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		s.Kick("Disconnected by administrator")
		h.consolef("Kicked %s\n", s.alias)
	}
	return nil
}

func (h *Hub) broadcast(text string) {
	n := 0
	h.sessions.Range(func(_, v any) bool {
		if err := v.(*Session).WriteFrame(protocol.ServerFrame(text)); err == nil {
			n++
		}
		return true
	})
	h.consolef("Message sent to %d agents\n", n)
}

func (h *Hub) groupNew(sc *bufio.Scanner, name string) error {
	h.consolef("Members for group %s, one per line (EXIT ends):\n", name)
	var members []string
	for {
		h.consolef("> ")
		if !sc.Scan() {
			break
		}
		entry := strings.TrimSpace(sc.Text())
		if entry == "EXIT" {
			break
		}
		if entry == "" {
			continue
		}
		members = append(members, entry)
	}
	if len(members) == 0 {
		return fmt.Errorf("group %s needs at least one member", name)
	}
	if err := h.groups.Create(name, members); err != nil {
		return err
	}
	h.consolef("Group %s created with %d members\n", name, len(members))
	return nil
}

func (h *Hub) printGroups() {
	names := h.groups.Names()
	if len(names) == 0 {
		h.consolef("No groups defined.\n")
		return
	}
	for _, name := range names {
		members, _ := h.groups.Members(name)
		h.consolef("%s: %s\n", name, strings.Join(members, ", "))
	}
}

func (h *Hub) chartNew(sc *bufio.Scanner) error {
	target := h.prompt(sc, "Target (all | <agent> | group:<name>): ")
	if target == "" {
		return fmt.Errorf("chart_new cancelled")
	}
	expected, err := h.expandTargetIDs(target)
	if err != nil {
		return err
	}

	kind := strings.ToUpper(h.prompt(sc, "Type (CMD | SIMPL | IMPORT | EXPORT): "))
	rec := DeferredCommand{Target: target, CommandType: kind, ExpectedUsers: expected}

	switch kind {
	case DeferredCmd:
		rec.Command = h.prompt(sc, "Command: ")
		if rec.Command == "" {
			return fmt.Errorf("command required")
		}
	case DeferredSimpl:
		// Os comandos saem do command file no momento da entrega.
	case DeferredImport:
		rec.SourcePath = h.prompt(sc, "Source path: ")
		rec.DestPath = h.prompt(sc, "Destination directory: ")
		if rec.SourcePath == "" || rec.DestPath == "" {
			return fmt.Errorf("source and destination required")
		}
	case DeferredExport:
		rec.SourcePath = h.prompt(sc, "Source path: ")
		if rec.SourcePath == "" {
			return fmt.Errorf("source path required")
		}
		rec.DestPath = h.prompt(sc, "Destination directory [received]: ")
		if rec.DestPath == "" {
			rec.DestPath = "received"
		}
	default:
		return fmt.Errorf("unknown deferred type %q", kind)
	}

	added := h.deferred.Add(rec)
	h.consolef("Deferred #%d registered for %s (%d agents), delivered on connect\n",
		added.Seq, target, len(expected))
	return nil
}

func (h *Hub) printChartList() {
	active := h.deferred.Active()
	if len(active) == 0 {
		h.consolef("No deferred commands.\n")
		return
	}
	for _, rec := range active {
		total := len(rec.ExpectedUsers) + len(rec.CompletedUsers)
		h.consolef("#%-4d %-18s %s  %d/%d done  %s\n",
			rec.Seq, rec.Target, rec.CreatedAt, len(rec.CompletedUsers), total, rec.Describe())
	}
}

func (h *Hub) printChartReport() {
	completed := h.deferred.Completed()
	h.consolef("Completed deferred commands: %d\n", len(completed))
	for _, rec := range completed {
		h.consolef("  #%-4d %-18s %s  %s\n", rec.Seq, rec.Target, rec.CompletedAt, rec.Describe())
		h.consolef("        done by: %s\n", h.aliasList(rec.CompletedUsers))
	}

	active := h.deferred.Active()
	h.consolef("In progress: %d\n", len(active))
	for _, rec := range active {
		h.consolef("  #%-4d %-18s %s\n", rec.Seq, rec.Target, rec.Describe())
		if len(rec.CompletedUsers) > 0 {
			h.consolef("        done by: %s\n", h.aliasList(rec.CompletedUsers))
		}
		h.consolef("        waiting: %s\n", h.aliasList(rec.ExpectedUsers))
	}
}

func (h *Hub) aliasList(ids []string) string {
	aliases := make([]string, 0, len(ids))
	for _, id := range ids {
		aliases = append(aliases, h.dir.Alias(id))
	}
	return strings.Join(aliases, ", ")
}

func (h *Hub) saveOutputs(name string) error {
	type stored struct {
		alias string
		out   LastOutput
	}
	var entries []stored
	h.lastOut.Range(func(k, v any) bool {
		entries = append(entries, stored{alias: h.dir.Alias(k.(string)), out: v.(LastOutput)})
		return true
	})
	if len(entries) == 0 {
		return fmt.Errorf("no stored output to save")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].alias < entries[j].alias })

	if len(entries) == 1 {
		e := entries[0]
		path, err := h.archive.SaveSnapshot(name, e.alias, e.out.Kind, e.out.Content)
		if err != nil {
			return err
		}
		h.consolef("Output saved to %s\n", path)
		return nil
	}

	// Vários agents: um bloco por agent no corpo, tipo MIXED se divergirem.
	kind := entries[0].out.Kind
	aliases := make([]string, 0, len(entries))
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s (%s)\n%s", e.alias, e.out.Timestamp, e.out.Kind, e.out.Content)
		aliases = append(aliases, e.alias)
		if e.out.Kind != kind {
			kind = "MIXED"
		}
	}
	path, err := h.archive.SaveSnapshot(name, strings.Join(aliases, ", "), kind, b.String())
	if err != nil {
		return err
	}
	h.consolef("Output of %d agents saved to %s\n", len(entries), path)
	return nil
}

func (h *Hub) printStatus() {
	active := h.monitor.Snapshot()
	if len(active) == 0 {
		h.consolef("No active commands.\n")
	} else {
		ids := make([]string, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		h.consolef("Active commands:\n")
		for _, id := range ids {
			st := active[id]
			h.consolef("  %-16s %-8s %5.0fs  %d/%d  %s\n",
				h.dir.Alias(id), st.Kind, time.Since(st.Started).Seconds(),
				st.Received, st.Total, protocol.Truncate(st.Command, 60))
		}
	}
	h.consolef("%s\n", hostStatsLine())
}

// hostStatsLine coleta métricas da máquina do hub em modo melhor esforço:
// coleta que falhar aparece zerada.
func hostStatsLine() string {
	var cpuPct, memPct, diskPct, load1 float64
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		cpuPct = p[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		memPct = v.UsedPercent
	}
	if d, err := disk.Usage("/"); err == nil {
		diskPct = d.UsedPercent
	}
	if l, err := load.Avg(); err == nil {
		load1 = l.Load1
	}
	return fmt.Sprintf("Host: CPU %.1f%% | Mem %.1f%% | Disk %.1f%% | Load %.2f",
		cpuPct, memPct, diskPct, load1)
}

func (h *Hub) printList() {
	users := h.dir.Snapshot()
	if len(users) == 0 {
		h.consolef("No agents known.\n")
		return
	}

	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return users[ids[i]].Alias < users[ids[j]].Alias })

	h.consolef("%-20s %-24s %-4s %-20s %s\n", "ALIAS", "ID", "ST", "LAST SEEN", "CONNECTS")
	for _, id := range ids {
		rec := users[id]
		lastSeen := rec.LastLogin
		if rec.Status == "OFF" && rec.LastLogout != "" {
			lastSeen = rec.LastLogout
		}
		h.consolef("%-20s %-24s %-4s %-20s %8d\n", rec.Alias, id, rec.Status, lastSeen, rec.ConnectCount)
	}
}

func (h *Hub) printHelp() {
	h.consolef("%s\n", rulerNarrow)
	h.consolef("Available commands:\n")
	h.consolef("  EXIT                                 shut down the hub\n")
	h.consolef("  status                               active commands and host stats\n")
	h.consolef("  list                                 known agents\n")
	h.consolef("  save <name>                          save last outputs to save/<name>.txt\n")
	h.consolef("  cancel <target>                      cancel the running command\n")
	h.consolef("  kick <target|all>                    disconnect agents\n")
	h.consolef("  CMD <target> <command>               run a shell command\n")
	h.consolef("  simpl <target>                       send the command file as a batch\n")
	h.consolef("  export <target> <src> [dest]         pull files from agents\n")
	h.consolef("  import <target> <src> <destDir>      push files to agents\n")
	h.consolef("  group_new <name> | group_list | group_del <name>\n")
	h.consolef("  chart_new | chart_list | chart_comd | chart_del <seq>\n")
	h.consolef("  <any other text>                     broadcast to all agents\n")
	h.consolef("Targets: all | <alias-or-id> | group:<name>\n")
	h.consolef("%s\n", rulerNarrow)
}

// prompt escreve o rótulo e lê uma linha. EOF devolve vazio.
func (h *Hub) prompt(sc *bufio.Scanner, label string) string {
	h.consolef("%s", label)
	if !sc.Scan() {
		return ""
	}
	return strings.TrimSpace(sc.Text())
}
