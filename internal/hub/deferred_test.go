// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestDeferred(t *testing.T) (*DeferredStore, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewDeferredStore(filepath.Join(dir, "scheduled_commands.json"), filepath.Join(dir, "scheduled_output"), logger)
	if err != nil {
		t.Fatalf("NewDeferredStore error: %v", err)
	}
	return s, dir
}

func TestDeferredStore_CompletionFlow(t *testing.T) {
	s, dir := newTestDeferred(t)

	cmd := s.Add(DeferredCommand{
		Target:        "group:web",
		CommandType:   DeferredCmd,
		Command:       "uptime",
		ExpectedUsers: []string{"u1", "u2", "u3"},
	})
	if cmd.Seq == 0 {
		t.Fatal("Add must assign a seq")
	}

	// Conclusões fora de ordem: o arquivo de resultados preserva a ordem
	// de chegada e o registro só migra com o último esperado.
	if !s.MarkCompleted(cmd.Seq, "u1", "out-1") {
		t.Fatal("MarkCompleted u1 failed")
	}
	if !s.MarkCompleted(cmd.Seq, "u3", "out-3") {
		t.Fatal("MarkCompleted u3 failed")
	}
	if n := len(s.Completed()); n != 0 {
		t.Fatalf("command completed early, completed=%d", n)
	}
	if !s.MarkCompleted(cmd.Seq, "u2", "out-2") {
		t.Fatal("MarkCompleted u2 failed")
	}

	active := s.Active()
	if len(active) != 0 {
		t.Fatalf("expected no active commands, got %d", len(active))
	}
	done := s.Completed()
	if len(done) != 1 {
		t.Fatalf("expected 1 completed command, got %d", len(done))
	}
	if done[0].CompletedAt == "" {
		t.Fatal("completed_at missing")
	}
	if len(done[0].CompletedUsers) != 3 {
		t.Fatalf("completed_users = %v", done[0].CompletedUsers)
	}

	data, err := os.ReadFile(filepath.Join(dir, "scheduled_output", "group_web.txt"))
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	want := "u1\nout-1\n\n\nu3\nout-3\n\n\nu2\nout-2\n\n\n"
	if string(data) != want {
		t.Fatalf("output file:\n%q\nwant:\n%q", data, want)
	}
}

func TestDeferredStore_PendingForFrozenSet(t *testing.T) {
	s, _ := newTestDeferred(t)

	s.Add(DeferredCommand{
		Target:        "all",
		CommandType:   DeferredCmd,
		Command:       "hostname",
		ExpectedUsers: []string{"u1", "u2"},
	})

	if got := s.PendingFor("u1"); len(got) != 1 {
		t.Fatalf("PendingFor(u1) = %d commands", len(got))
	}
	// Agent fora do conjunto congelado não recebe nada.
	if got := s.PendingFor("u9"); len(got) != 0 {
		t.Fatalf("PendingFor(u9) = %d commands", len(got))
	}
}

func TestDeferredStore_RemoveUserNoCredit(t *testing.T) {
	s, dir := newTestDeferred(t)

	cmd := s.Add(DeferredCommand{
		Target:        "u1",
		CommandType:   DeferredExport,
		SourcePath:    "/var/log",
		DestPath:      "logs",
		ExpectedUsers: []string{"u1"},
	})

	s.RemoveUser(cmd.Seq, "u1")

	done := s.Completed()
	if len(done) != 1 {
		t.Fatalf("expected command to close, completed=%d", len(done))
	}
	if len(done[0].CompletedUsers) != 0 {
		t.Fatalf("removed user must not be credited: %v", done[0].CompletedUsers)
	}
	if _, err := os.Stat(filepath.Join(dir, "scheduled_output", "u1.txt")); !os.IsNotExist(err) {
		t.Fatalf("no output file expected, stat err=%v", err)
	}
}

func TestDeferredStore_DeleteAndSeqStability(t *testing.T) {
	s, _ := newTestDeferred(t)

	c1 := s.Add(DeferredCommand{Target: "u1", CommandType: DeferredCmd, Command: "a", ExpectedUsers: []string{"u1"}})
	c2 := s.Add(DeferredCommand{Target: "u2", CommandType: DeferredCmd, Command: "b", ExpectedUsers: []string{"u2"}})
	c3 := s.Add(DeferredCommand{Target: "u3", CommandType: DeferredCmd, Command: "c", ExpectedUsers: []string{"u3"}})

	if !s.Delete(c2.Seq) {
		t.Fatal("Delete failed")
	}
	if s.Delete(c2.Seq) {
		t.Fatal("double delete must fail")
	}

	// Os seqs restantes não mudam após a remoção.
	active := s.Active()
	if len(active) != 2 || active[0].Seq != c1.Seq || active[1].Seq != c3.Seq {
		t.Fatalf("active after delete = %+v", active)
	}
}

func TestDeferredStore_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(dir, "scheduled_commands.json")
	outDir := filepath.Join(dir, "scheduled_output")

	s, err := NewDeferredStore(path, outDir, logger)
	if err != nil {
		t.Fatal(err)
	}
	c1 := s.Add(DeferredCommand{Target: "u1", CommandType: DeferredCmd, Command: "a", ExpectedUsers: []string{"u1"}})

	s2, err := NewDeferredStore(path, outDir, logger)
	if err != nil {
		t.Fatal(err)
	}
	pending := s2.PendingFor("u1")
	if len(pending) != 1 || pending[0].Seq != c1.Seq {
		t.Fatalf("reloaded pending = %+v", pending)
	}
	// Seq novo continua de onde parou.
	c2 := s2.Add(DeferredCommand{Target: "u2", CommandType: DeferredCmd, Command: "b", ExpectedUsers: []string{"u2"}})
	if c2.Seq <= c1.Seq {
		t.Fatalf("seq went backwards: %d after %d", c2.Seq, c1.Seq)
	}
}

func TestSubstituteUser(t *testing.T) {
	got := SubstituteUser("echo {user} > /tmp/{user}.txt", "web-1")
	if got != "echo web-1 > /tmp/web-1.txt" {
		t.Fatalf("SubstituteUser = %q", got)
	}
	if got := SubstituteUser("no placeholder", "x"); got != "no placeholder" {
		t.Fatalf("SubstituteUser without placeholder = %q", got)
	}
}

func TestOutputFileName(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"all", "ALL.txt"},
		{"group:web", "group_web.txt"},
		{"agent-7", "agent-7.txt"},
	}
	for _, tt := range tests {
		if got := OutputFileName(tt.target); got != tt.want {
			t.Fatalf("OutputFileName(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestDeferredCommand_Describe(t *testing.T) {
	cmd := DeferredCommand{CommandType: DeferredImport, SourcePath: "src", DestPath: "dst"}
	if d := cmd.Describe(); !strings.Contains(d, "src") || !strings.Contains(d, "dst") {
		t.Fatalf("Describe = %q", d)
	}
}
