// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

func testHubConfig(t *testing.T) *config.HubConfig {
	t.Helper()
	return &config.HubConfig{
		Hub: config.HubListen{
			DataDir:     t.TempDir(),
			CommandFile: filepath.Join(t.TempDir(), "code.txt"),
		},
		Timeouts: config.TimeoutConfig{
			Handshake:     2 * time.Second,
			Idle:          2 * time.Second,
			Command:       2 * time.Minute,
			Warning:       90 * time.Second,
			ExportMeta:    2 * time.Second,
			ImportConfirm: 2 * time.Second,
			MonitorTick:   time.Hour, // varredura manual nos testes
			StateSnapshot: time.Hour,
		},
		Archive: config.ArchiveConfig{MaxSize: "10mb", MaxSizeRaw: 10 << 20, Compression: "gzip"},
	}
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(testHubConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.out = nil
	return h
}

// testAgent fala o protocolo do lado do agent sobre um net.Pipe.
type testAgent struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	stop func()
}

func connectAgent(t *testing.T, h *Hub, id string) *testAgent {
	t.Helper()
	server, client := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		newSession(h, server).run(ctx)
	}()

	a := &testAgent{
		t:    t,
		conn: client,
		br:   bufio.NewReader(client),
		stop: func() {
			client.Close()
			cancel()
			<-done
		},
	}
	t.Cleanup(a.stop)

	a.send(id)
	if got := a.recv(); !strings.HasPrefix(got, "Server: Registered as ") {
		t.Fatalf("handshake advisory = %q", got)
	}
	return a
}

func (a *testAgent) send(line string) {
	a.t.Helper()
	a.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := a.conn.Write([]byte(line + "\n")); err != nil {
		a.t.Fatalf("writing %q: %v", line, err)
	}
}

func (a *testAgent) sendRaw(p []byte) {
	a.t.Helper()
	a.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := a.conn.Write(p); err != nil {
		a.t.Fatalf("writing %d raw bytes: %v", len(p), err)
	}
}

func (a *testAgent) recv() string {
	a.t.Helper()
	a.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := a.br.ReadString('\n')
	if err != nil {
		a.t.Fatalf("reading frame: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_HandshakeRegistersAgent(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "сервер-1")

	rec, ok := h.dir.Snapshot()["сервер-1"]
	if !ok {
		t.Fatal("agent missing from directory")
	}
	if rec.Alias != "server-1" {
		t.Errorf("alias = %q, want server-1", rec.Alias)
	}
	if rec.Status != "ON" {
		t.Errorf("status = %q, want ON", rec.Status)
	}
	if got := h.connectedIDs(); len(got) != 1 || got[0] != "сервер-1" {
		t.Errorf("connectedIDs = %v", got)
	}

	a.stop()
	waitFor(t, "logout after disconnect", func() bool {
		return h.dir.Snapshot()["сервер-1"].Status == "OFF"
	})
}

func TestSession_EmptyIDCloses(t *testing.T) {
	h := newTestHub(t)
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		newSession(h, server).run(context.Background())
	}()
	t.Cleanup(func() { client.Close() })

	client.SetWriteDeadline(time.Now().Add(time.Second))
	client.Write([]byte("\n"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close on empty id")
	}
	if len(h.connectedIDs()) != 0 {
		t.Errorf("connectedIDs = %v, want none", h.connectedIDs())
	}
}

func TestSession_OutputFlowCreditsAndArchives(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	h.monitor.Register("web-01", CommandState{Command: "uptime", Kind: "CMD", Total: 1})

	a.send("OUTPUT:START:2")
	a.send("OUTPUT:CHUNK:up 10 days<<<NL>>>load 0.42")
	a.send("OUTPUT:END")

	waitFor(t, "stored output", func() bool {
		lo, ok := h.lastOutput("web-01")
		return ok && lo.Content == "up 10 days\nload 0.42"
	})
	waitFor(t, "monitor unregistered", func() bool {
		_, ok := h.monitor.Lookup("web-01")
		return !ok
	})

	lo, _ := h.lastOutput("web-01")
	if lo.Kind != "OUTPUT" {
		t.Errorf("kind = %q, want OUTPUT", lo.Kind)
	}

	data, err := os.ReadFile(filepath.Join(h.dataDir, "trash", "output_command_web-01.txt"))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "Command: uptime") {
		t.Errorf("archive missing command header:\n%s", text)
	}
	if !strings.Contains(text, "up 10 days\nload 0.42") {
		t.Errorf("archive missing output:\n%s", text)
	}
}

func TestSession_FiletruBatchesJoinOnFinalEnd(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "db-01")

	h.monitor.Register("db-01", CommandState{Command: "simpl (2 commands)", Kind: "FILETRU", Total: 2})

	a.send("FILETRU:START:1")
	a.send("FILETRU:CHUNK:first")
	a.send("FILETRU:END")

	waitFor(t, "first batch credited", func() bool {
		st, ok := h.monitor.Lookup("db-01")
		return ok && st.Received == 1
	})
	if _, ok := h.lastOutput("db-01"); ok {
		t.Fatal("output stored before the batch completed")
	}

	a.send("FILETRU:START:1")
	a.send("FILETRU:CHUNK:second")
	a.send("FILETRU:END")

	waitFor(t, "combined output", func() bool {
		lo, ok := h.lastOutput("db-01")
		return ok && lo.Content == "first\n\nsecond"
	})
	if _, ok := h.monitor.Lookup("db-01"); ok {
		t.Error("monitor still tracking after final batch")
	}
}

func TestSession_UntrackedOutputIsKept(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:cancel notice")
	a.send("OUTPUT:END")

	waitFor(t, "untracked output stored", func() bool {
		lo, ok := h.lastOutput("web-01")
		return ok && lo.Content == "cancel notice"
	})
}

func TestSession_DeferredCmdReplayAndCredit(t *testing.T) {
	h := newTestHub(t)
	rec := h.deferred.Add(DeferredCommand{
		Target:        "агент-7",
		CommandType:   DeferredCmd,
		Command:       "echo {user}",
		ExpectedUsers: []string{"агент-7"},
	})

	a := connectAgent(t, h, "агент-7")

	if got := a.recv(); got != "CMD:echo агент-7" {
		t.Fatalf("deferred frame = %q", got)
	}

	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:агент-7")
	a.send("OUTPUT:END")

	waitFor(t, "deferred completion", func() bool {
		return len(h.deferred.Active()) == 0 && len(h.deferred.Completed()) == 1
	})
	done := h.deferred.Completed()[0]
	if done.Seq != rec.Seq {
		t.Errorf("completed seq = %d, want %d", done.Seq, rec.Seq)
	}
	if len(done.CompletedUsers) != 1 || done.CompletedUsers[0] != "агент-7" {
		t.Errorf("completed users = %v", done.CompletedUsers)
	}

	out, err := os.ReadFile(filepath.Join(h.dataDir, "scheduled_output", "агент-7.txt"))
	if err != nil {
		t.Fatalf("reading deferred output: %v", err)
	}
	if got := string(out); got != "агент-7\nагент-7\n\n\n" {
		t.Errorf("deferred output file = %q", got)
	}
}

func TestSession_DeferredFIFOAttribution(t *testing.T) {
	h := newTestHub(t)
	first := h.deferred.Add(DeferredCommand{
		Target: "web-01", CommandType: DeferredCmd, Command: "uptime",
		ExpectedUsers: []string{"web-01"},
	})
	second := h.deferred.Add(DeferredCommand{
		Target: "web-01", CommandType: DeferredCmd, Command: "whoami",
		ExpectedUsers: []string{"web-01"},
	})

	a := connectAgent(t, h, "web-01")
	if got := a.recv(); got != "CMD:uptime" {
		t.Fatalf("first deferred frame = %q", got)
	}
	if got := a.recv(); got != "CMD:whoami" {
		t.Fatalf("second deferred frame = %q", got)
	}

	// O primeiro END credita o primeiro seq, o segundo credita o segundo.
	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:out-a")
	a.send("OUTPUT:END")
	waitFor(t, "first record credited", func() bool {
		for _, rec := range h.deferred.Completed() {
			if rec.Seq == first.Seq {
				return true
			}
		}
		return false
	})

	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:out-b")
	a.send("OUTPUT:END")
	waitFor(t, "second record credited", func() bool {
		for _, rec := range h.deferred.Completed() {
			if rec.Seq == second.Seq {
				return true
			}
		}
		return false
	})
}

func TestSession_ExportReceiveWritesFiles(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "сервер-1")

	a.send(`EXPORT:START:{"count":1,"dest_dir":"received","source":"logs"}`)
	a.send(`FILE:META:{"rel_path":"app.log","size":5}`)
	a.sendRaw([]byte("hello"))
	a.send("FILE:END")
	a.send("EXPORT:COMPLETE")

	dest := filepath.Join(h.dataDir, "files", "server-1", "received", "app.log")
	waitFor(t, "exported file", func() bool {
		data, err := os.ReadFile(dest)
		return err == nil && string(data) == "hello"
	})
}

func TestSession_ExportEscapingDestAborted(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "сервер-1")

	a.send(`EXPORT:START:{"count":1,"dest_dir":"../../evil","source":"x"}`)
	a.send(`FILE:META:{"rel_path":"boom.txt","size":4}`)
	a.sendRaw([]byte("boom"))
	a.send("FILE:END")

	if got := a.recv(); got != "EXPORT:ABORT" {
		t.Fatalf("frame = %q, want EXPORT:ABORT", got)
	}

	if _, err := os.Stat(filepath.Join(h.dataDir, "evil")); !os.IsNotExist(err) {
		t.Error("escaped directory was created")
	}

	// A sessão sobrevive: um lote normal ainda é processado.
	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:still alive")
	a.send("OUTPUT:END")
	waitFor(t, "session still serving", func() bool {
		lo, ok := h.lastOutput("сервер-1")
		return ok && lo.Content == "still alive"
	})
}

func TestSession_ExportAgentAbortKeepsSession(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	a.send(`EXPORT:START:{"count":2,"dest_dir":"received","source":"logs"}`)
	a.send(`FILE:META:{"rel_path":"first.log","size":5}`)
	a.sendRaw([]byte("alpha"))
	a.send("FILE:END")
	a.send("EXPORT:ABORT")

	// A unidade entregue antes do abort permanece gravada.
	kept := filepath.Join(h.dataDir, "files", "web-01", "received", "first.log")
	waitFor(t, "delivered unit kept", func() bool {
		data, err := os.ReadFile(kept)
		return err == nil && string(data) == "alpha"
	})

	a.send("OUTPUT:START:1")
	a.send("OUTPUT:CHUNK:still alive")
	a.send("OUTPUT:END")
	waitFor(t, "session still serving", func() bool {
		lo, ok := h.lastOutput("web-01")
		return ok && lo.Content == "still alive"
	})
}

func TestSession_ExportBadRelPathUnitSkipped(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	a.send(`EXPORT:START:{"count":2,"dest_dir":"received","source":"logs"}`)
	a.send(`FILE:META:{"rel_path":"../evil.txt","size":4}`)
	a.sendRaw([]byte("boom"))
	a.send("FILE:END")
	a.send(`FILE:META:{"rel_path":"good.txt","size":4}`)
	a.sendRaw([]byte("good"))
	a.send("FILE:END")
	a.send("EXPORT:COMPLETE")

	okFile := filepath.Join(h.dataDir, "files", "web-01", "received", "good.txt")
	waitFor(t, "good unit written", func() bool {
		data, err := os.ReadFile(okFile)
		return err == nil && string(data) == "good"
	})
	if _, err := os.Stat(filepath.Join(h.dataDir, "files", "web-01", "evil.txt")); !os.IsNotExist(err) {
		t.Error("skipped unit escaped the destination")
	}
}

func TestSession_DeferredExportAgentAbortDropsExpectation(t *testing.T) {
	h := newTestHub(t)
	rec := h.deferred.Add(DeferredCommand{
		Target: "web-01", CommandType: DeferredExport,
		SourcePath: "/var/log/app", DestPath: "received",
		ExpectedUsers: []string{"web-01"},
	})

	a := connectAgent(t, h, "web-01")
	if got := a.recv(); got != "EXPORT;/var/log/app;received" {
		t.Fatalf("export request = %q", got)
	}

	a.send(`EXPORT:START:{"count":2,"dest_dir":"received","source":"app"}`)
	a.send(`FILE:META:{"rel_path":"one.log","size":2}`)
	a.sendRaw([]byte("ok"))
	a.send("FILE:END")
	a.send("EXPORT:ABORT")

	waitFor(t, "expectation dropped without credit", func() bool {
		if len(h.deferred.Active()) != 0 {
			return false
		}
		for _, done := range h.deferred.Completed() {
			if done.Seq == rec.Seq {
				return len(done.CompletedUsers) == 0
			}
		}
		return false
	})
}

func TestSession_DeferredExportErrorDropsExpectation(t *testing.T) {
	h := newTestHub(t)
	rec := h.deferred.Add(DeferredCommand{
		Target: "web-01", CommandType: DeferredExport,
		SourcePath: "/var/log/app", DestPath: "received",
		ExpectedUsers: []string{"web-01"},
	})

	a := connectAgent(t, h, "web-01")
	if got := a.recv(); got != "EXPORT;/var/log/app;received" {
		t.Fatalf("export request = %q", got)
	}

	a.send("EXPORT:ERROR:path not found")

	waitFor(t, "expectation dropped without credit", func() bool {
		if len(h.deferred.Active()) != 0 {
			return false
		}
		for _, done := range h.deferred.Completed() {
			if done.Seq == rec.Seq {
				return len(done.CompletedUsers) == 0
			}
		}
		return false
	})
	if _, ok := h.monitor.Lookup("web-01"); ok {
		t.Error("monitor still tracking after export error")
	}
}

func TestSession_DuplicateConnectionKicksOld(t *testing.T) {
	h := newTestHub(t)
	old := connectAgent(t, h, "db-01")

	// O kick da sessão antiga é escrito durante o handshake da nova; o lado
	// antigo precisa estar lendo para o handshake não travar no pipe.
	kickCh := make(chan string, 1)
	go func() {
		old.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := old.br.ReadString('\n')
		if err != nil {
			kickCh <- "read failed: " + err.Error()
			return
		}
		kickCh <- strings.TrimSuffix(line, "\n")
	}()

	newConn := connectAgent(t, h, "db-01")

	if got := <-kickCh; got != "KICK:Duplicate connection" {
		t.Fatalf("old session frame = %q", got)
	}

	waitFor(t, "directory still ON after old cleanup", func() bool {
		return h.dir.Snapshot()["db-01"].Status == "ON"
	})

	// A sessão nova continua funcional.
	h.monitor.Register("db-01", CommandState{Command: "id", Kind: "CMD", Total: 1})
	newConn.send("OUTPUT:START:1")
	newConn.send("OUTPUT:CHUNK:uid=0")
	newConn.send("OUTPUT:END")
	waitFor(t, "output via new session", func() bool {
		lo, ok := h.lastOutput("db-01")
		return ok && lo.Content == "uid=0"
	})
}

func TestSession_ProtocolErrorBudgetKicks(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	for i := 0; i < 5; i++ {
		a.send("BOGUS:frame")
	}
	if got := a.recv(); got != "KICK:Protocol errors" {
		t.Fatalf("frame = %q, want KICK:Protocol errors", got)
	}
}

func TestSession_ValidFrameResetsErrorBudget(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	for i := 0; i < 4; i++ {
		a.send("BOGUS:frame")
	}
	a.send("OUTPUT:START:1")
	for i := 0; i < 4; i++ {
		a.send("BOGUS:frame")
	}
	a.send("OUTPUT:CHUNK:ok")
	a.send("OUTPUT:END")

	waitFor(t, "session alive after interleaved garbage", func() bool {
		lo, ok := h.lastOutput("web-01")
		return ok && lo.Content == "ok"
	})
}

func TestSession_KickNotifiesAndCloses(t *testing.T) {
	h := newTestHub(t)
	a := connectAgent(t, h, "web-01")

	var s *Session
	waitFor(t, "session registered", func() bool {
		var ok bool
		s, ok = h.sessionFor("web-01")
		return ok
	})

	go s.Kick("Disconnected by administrator")
	if got := a.recv(); got != "KICK:Disconnected by administrator" {
		t.Fatalf("frame = %q", got)
	}
	waitFor(t, "logout after kick", func() bool {
		return h.dir.Snapshot()["web-01"].Status == "OFF"
	})
}
