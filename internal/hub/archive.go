// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

var (
	rulerWide   = strings.Repeat("=", 80)
	rulerNarrow = strings.Repeat("=", 50)
)

// OutputArchive grava os artefatos em texto do hub: o histórico de outputs
// por agent em trash/, os snapshots nomeados em save/ e o crash.log.
// Arquivos de trash acima do limite configurado são compactados e zerados.
type OutputArchive struct {
	mu        sync.Mutex
	trashDir  string
	saveDir   string
	crashPath string
	cfg       config.ArchiveConfig
	logger    *slog.Logger
}

// NewOutputArchive prepara os diretórios de trash e save sob dataDir.
func NewOutputArchive(dataDir string, cfg config.ArchiveConfig, logger *slog.Logger) (*OutputArchive, error) {
	a := &OutputArchive{
		trashDir:  filepath.Join(dataDir, "trash"),
		saveDir:   filepath.Join(dataDir, "save"),
		crashPath: filepath.Join(dataDir, "crash.log"),
		cfg:       cfg,
		logger:    logger.With("component", "archive"),
	}
	for _, dir := range []string{a.trashDir, a.saveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AppendCommandOutput anexa um bloco de output concluído ao arquivo
// trash/output_command_<alias>.txt.
func (a *OutputArchive) AppendCommandOutput(alias, command, kind, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.trashDir, "output_command_"+alias+".txt")
	block := fmt.Sprintf("Execution time: %s\nCommand: %s\nType: %s\n%s\nCommand output:\n%s\n%s\n%s\n",
		time.Now().Format(timeLayout), command, kind, rulerWide, rulerWide, output, rulerWide)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Error("opening output archive", "path", path, "error", err)
		return
	}
	_, werr := f.WriteString(block)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		a.logger.Error("writing output archive", "path", path, "write_error", werr, "close_error", cerr)
		return
	}

	a.rotateLocked(path)
}

// SaveSnapshot grava (sobrescrevendo) o último output de um agent em
// save/<name>.txt. Retorna o caminho gravado.
func (a *OutputArchive) SaveSnapshot(name, id, kind, content string) (string, error) {
	if err := validateName(name, "snapshot name"); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.saveDir, name+".txt")
	body := fmt.Sprintf("User: %s\nTime: %s\nType: %s\n%s\n%s\n",
		id, time.Now().Format(timeLayout), kind, rulerNarrow, content)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	a.logger.Info("output snapshot saved", "agent", id, "path", path)
	return path, nil
}

// AppendCrash registra um pânico recuperado com o estado corrente do hub.
func (a *OutputArchive) AppendCrash(cause any, stack []byte, connected []string, active map[string]CommandState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nCRITICAL SERVER ERROR\nTime: %s\nError: %v\n%s\n%s\n%s\n\n",
		rulerWide, time.Now().Format(timeLayout), cause, rulerWide, strings.TrimRight(string(stack), "\n"), rulerWide)

	fmt.Fprintf(&b, "State at failure:\n- Connected clients: %d\n- Active commands: %d\n- Clients: %s\n\n",
		len(connected), len(active), strings.Join(connected, ", "))

	b.WriteString("Active commands:\n")
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := active[id]
		fmt.Fprintf(&b, "  - %s: %s (%.1fs) - %s\n", id, st.Kind, time.Since(st.Started).Seconds(), st.Command)
	}
	fmt.Fprintf(&b, "\n%s\n\n", rulerWide)

	f, err := os.OpenFile(a.crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Error("opening crash log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		a.logger.Error("writing crash log", "error", err)
	}
}

// SweepTrash aplica a rotação a todos os arquivos de output acumulados.
// Chamado pelo housekeeping periódico.
func (a *OutputArchive) SweepTrash() {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.trashDir)
	if err != nil {
		a.logger.Error("scanning trash dir", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		a.rotateLocked(filepath.Join(a.trashDir, e.Name()))
	}
}

// rotateLocked compacta e zera o arquivo quando passa do tamanho máximo.
func (a *OutputArchive) rotateLocked(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= a.cfg.MaxSizeRaw {
		return
	}

	stamp := time.Now().Format("20060102-150405")
	base := strings.TrimSuffix(filepath.Base(path), ".txt")
	dest := filepath.Join(a.trashDir, fmt.Sprintf("%s-%s.txt%s", base, stamp, a.cfg.FileExtension()))

	if err := a.compressFile(path, dest); err != nil {
		a.logger.Error("rotating output archive", "path", path, "error", err)
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		a.logger.Error("truncating rotated archive", "path", path, "error", err)
		return
	}
	a.logger.Info("output archive rotated", "path", path, "archived", dest, "size", info.Size())
}

func (a *OutputArchive) compressFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	comp, err := a.newCompressor(out)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}

	if _, err := io.Copy(comp, in); err != nil {
		comp.Close()
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := comp.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func (a *OutputArchive) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch a.cfg.Compression {
	case "zst":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	}
}
