// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

type syncBuf struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func waitContains(t *testing.T, get func() string, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if strings.Contains(get(), want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("output %q never contained %q", get(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testAgentConfig() *config.AgentConfig {
	cfg := &config.AgentConfig{}
	cfg.Agent.Name = "web-01"
	cfg.Hub.Address = "127.0.0.1:1"
	cfg.Hub.ReconnectDelay = 50 * time.Millisecond
	cfg.Shell.Timeout = 10 * time.Second
	return cfg
}

// newSessionAgent sobe um agent com executor ativo e uma sessão rodando
// sobre net.Pipe. O lado devolvido faz o papel do hub.
func newSessionAgent(t *testing.T, out io.Writer) (*Agent, net.Conn, chan error) {
	t.Helper()
	a, err := New(testAgentConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.out = out

	agentSide, hubSide := net.Pipe()
	a.setConn(agentSide)

	ctx, cancel := context.WithCancel(context.Background())
	a.executor.Start(ctx)

	sessErr := make(chan error, 1)
	go func() {
		sessErr <- a.session(ctx, agentSide)
	}()

	t.Cleanup(func() {
		cancel()
		agentSide.Close()
		hubSide.Close()
		a.executor.Stop()
	})
	return a, hubSide, sessErr
}

func waitSessionErr(t *testing.T, sessErr chan error) error {
	t.Helper()
	select {
	case err := <-sessErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session never returned")
		return nil
	}
}

func TestSession_CommandReplyIsChunked(t *testing.T) {
	_, hubSide, _ := newSessionAgent(t, io.Discard)

	if _, err := io.WriteString(hubSide, "CMD:echo hi\n"); err != nil {
		t.Fatalf("writing command: %v", err)
	}

	ctx := context.Background()
	fb := protocol.NewFrameBuffer(hubSide)
	want := []string{"OUTPUT:START:1", "OUTPUT:CHUNK:hi", "OUTPUT:END"}
	for _, w := range want {
		line, err := fb.ReadLine(ctx)
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		if line != w {
			t.Fatalf("frame = %q, want %q", line, w)
		}
	}
}

func TestSession_BatchReplyKeepsFiletruPrefix(t *testing.T) {
	_, hubSide, _ := newSessionAgent(t, io.Discard)

	if _, err := io.WriteString(hubSide, "FILETRU:echo batch\n"); err != nil {
		t.Fatalf("writing command: %v", err)
	}

	ctx := context.Background()
	fb := protocol.NewFrameBuffer(hubSide)
	line, err := fb.ReadLine(ctx)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != "FILETRU:START:1" {
		t.Fatalf("frame = %q, want FILETRU:START:1", line)
	}
}

func TestSession_FreeLinesGoToTerminal(t *testing.T) {
	out := &syncBuf{}
	_, hubSide, _ := newSessionAgent(t, out)

	lines := []string{
		"Server: maintenance window at 22:00",
		"WARNING: Command is taking longer than expected...",
	}
	for _, l := range lines {
		if _, err := io.WriteString(hubSide, l+"\n"); err != nil {
			t.Fatalf("writing %q: %v", l, err)
		}
	}

	for _, l := range lines {
		waitContains(t, out.String, l)
	}
}

func TestSession_KickPrintsReasonAndReturns(t *testing.T) {
	out := &syncBuf{}
	_, hubSide, sessErr := newSessionAgent(t, out)

	if _, err := io.WriteString(hubSide, "KICK:Disconnected by administrator\n"); err != nil {
		t.Fatalf("writing kick: %v", err)
	}

	if err := waitSessionErr(t, sessErr); !errors.Is(err, errKicked) {
		t.Fatalf("session error = %v, want kicked", err)
	}
	waitContains(t, out.String, "Disconnected by hub: Disconnected by administrator")
}

func TestSession_ShutdownReturns(t *testing.T) {
	out := &syncBuf{}
	_, hubSide, sessErr := newSessionAgent(t, out)

	if _, err := io.WriteString(hubSide, protocol.ServerShutdown+"\n"); err != nil {
		t.Fatalf("writing shutdown: %v", err)
	}

	if err := waitSessionErr(t, sessErr); !errors.Is(err, errShutdown) {
		t.Fatalf("session error = %v, want shutdown", err)
	}
	waitContains(t, out.String, "Hub is shutting down")
}

func TestSession_ManualCancelPrintsNoticeAndKeepsSession(t *testing.T) {
	out := &syncBuf{}
	_, hubSide, sessErr := newSessionAgent(t, out)

	if _, err := io.WriteString(hubSide, "CMD:"+protocol.CancelManual+"\n"); err != nil {
		t.Fatalf("writing cancel: %v", err)
	}
	waitContains(t, out.String, "Hub operator cancelled the running command.")

	// A sessão segue viva depois do cancel.
	if _, err := io.WriteString(hubSide, "KICK:done\n"); err != nil {
		t.Fatalf("writing kick: %v", err)
	}
	if err := waitSessionErr(t, sessErr); !errors.Is(err, errKicked) {
		t.Fatalf("session error = %v, want kicked", err)
	}
}

func TestForwardInput_RelaysLinesUntilExit(t *testing.T) {
	out := &syncBuf{}
	a, err := New(testAgentConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.out = out
	a.in = strings.NewReader("  hello hub  \n\nexit\n")

	agentSide, hubSide := net.Pipe()
	a.setConn(agentSide)
	t.Cleanup(func() {
		agentSide.Close()
		hubSide.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.forwardInput(ctx, cancel)
		close(done)
	}()

	fb := protocol.NewFrameBuffer(hubSide)
	line, err := fb.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("reading relayed line: %v", err)
	}
	if line != "hello hub" {
		t.Errorf("relayed = %q, want %q", line, "hello hub")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forwardInput never returned after exit")
	}
	if ctx.Err() == nil {
		t.Error("exit did not cancel the agent context")
	}
	waitContains(t, out.String, "Shutting down.")
}

func TestForwardInput_ReportsWhenDisconnected(t *testing.T) {
	out := &syncBuf{}
	a, err := New(testAgentConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.out = out
	a.in = strings.NewReader("ping\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.forwardInput(ctx, cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forwardInput never returned at EOF")
	}
	waitContains(t, out.String, "Not connected:")
}
