// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-fleet/internal/protocol"
)

// runExport atende um pedido EXPORT;src;dest: anuncia o lote e envia cada
// arquivo sob o write lock, com throttle quando configurado. Erros antes de
// qualquer byte de unidade saem como EXPORT:ERROR; um arquivo que sumiu
// entre o walk e o envio aborta na fronteira da unidade com EXPORT:ABORT.
// Erro de escrita no meio de um corpo corrompe o stream e derruba a sessão.
func (a *Agent) runExport(ctx context.Context, src, dest string) error {
	files, err := protocol.ListFiles(src)
	if err != nil {
		return a.sendLine(protocol.PrefixExport + ":ERROR:" + oneLine(err.Error()))
	}
	if len(files) == 0 {
		return a.sendLine(fmt.Sprintf("%s:ERROR:no files under %s", protocol.PrefixExport, src))
	}

	start, err := protocol.TransferStartFrame(protocol.PrefixExport, protocol.TransferMeta{
		Count:   len(files),
		DestDir: dest,
		Source:  filepath.Base(filepath.Clean(src)),
	})
	if err != nil {
		return a.sendLine(protocol.PrefixExport + ":ERROR:" + oneLine(err.Error()))
	}

	conn := a.currentConn()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var w io.Writer = deadlineWriter{conn: conn, timeout: writeTimeout}
	if a.cfg.Transfer.RateLimitRaw > 0 {
		w = NewThrottledWriter(ctx, w, a.cfg.Transfer.RateLimitRaw)
	}

	if _, err := io.WriteString(w, start+"\n"); err != nil {
		return fmt.Errorf("sending export start: %w", err)
	}

	sent := 0
	for _, f := range files {
		// Stat antes do envio: arquivo que sumiu aborta com o stream ainda
		// enquadrado. SendFile só escreve depois de abrir com sucesso.
		if _, err := os.Stat(f.Path); err != nil {
			a.logger.Warn("export file vanished", "path", f.Path, "error", err)
			if _, werr := io.WriteString(w, protocol.PrefixExport+":ABORT\n"); werr != nil {
				return fmt.Errorf("sending export abort: %w", werr)
			}
			a.printf("Export aborted: %v\n", err)
			return nil
		}
		if err := protocol.SendFile(w, f.Path, f.RelPath); err != nil {
			return fmt.Errorf("sending %s: %w", f.RelPath, err)
		}
		sent++
	}

	if _, err := io.WriteString(w, protocol.PrefixExport+":COMPLETE\n"); err != nil {
		return fmt.Errorf("sending export complete: %w", err)
	}
	a.printf("Exported %d files to hub (%s)\n", sent, dest)
	a.logger.Info("export complete", "source", src, "files", sent)
	return nil
}

// receiveImport consome o lote anunciado por line e grava os arquivos no
// destino pedido pelo hub. Unidades com rel_path inválido são drenadas e
// puladas; o primeiro erro vira a resposta IMPORT:ERROR, mas o lote inteiro
// é consumido para preservar o enquadramento.
func (a *Agent) receiveImport(ctx context.Context, fb *protocol.FrameBuffer, line string) error {
	meta, err := protocol.ParseTransferMeta(line, protocol.PrefixImport)
	if err != nil {
		// Sem o count não há como drenar os corpos que seguem.
		return fmt.Errorf("import announcement: %w", err)
	}

	fb.SetStall(transferStall)
	defer fb.SetStall(0)

	// Lote de um arquivo cujo destino tem extensão grava exatamente nesse
	// caminho, em vez de recriar o rel_path dentro dele.
	exactDest := meta.Count == 1 && filepath.Ext(meta.DestDir) != ""

	var firstErr error
	received := 0
	for received < meta.Count {
		frame, err := fb.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("reading import unit %d: %w", received+1, err)
		}
		if !strings.HasPrefix(frame, "FILE:META:") {
			// Broadcasts do console podem se intercalar entre unidades.
			a.printf("%s\n", frame)
			continue
		}
		fileMeta, err := protocol.DecodeFileMeta(frame)
		if err != nil {
			return fmt.Errorf("import unit %d: %w", received+1, err)
		}

		destPath := filepath.Clean(meta.DestDir)
		if !exactDest {
			rel, err := protocol.CleanRelPath(fileMeta.RelPath)
			if err != nil {
				if derr := a.drainUnit(ctx, fb, fileMeta); derr != nil {
					return derr
				}
				a.logger.Warn("import unit rejected", "rel_path", fileMeta.RelPath, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				received++
				continue
			}
			destPath = filepath.Join(meta.DestDir, filepath.FromSlash(rel))
		}

		if err := protocol.ReceiveBody(ctx, fb, fileMeta, destPath); err != nil {
			// Corpo parcialmente consumido: o enquadramento já era.
			return fmt.Errorf("receiving %s: %w", fileMeta.RelPath, err)
		}
		received++
	}

	if firstErr != nil {
		return a.sendLine(protocol.PrefixImport + ":ERROR:" + oneLine(firstErr.Error()))
	}
	if err := a.sendLine(protocol.PrefixImport + ":COMPLETE"); err != nil {
		return err
	}
	a.printf("Received %d files into %s\n", received, meta.DestDir)
	a.logger.Info("import complete", "files", received, "dest", meta.DestDir)
	return nil
}

// drainUnit consome o corpo e o FILE:END de uma unidade rejeitada, mantendo
// o stream enquadrado para a próxima.
func (a *Agent) drainUnit(ctx context.Context, fb *protocol.FrameBuffer, meta protocol.FileMeta) error {
	if _, err := fb.ReadInto(ctx, io.Discard, meta.Size); err != nil {
		return fmt.Errorf("draining rejected unit: %w", err)
	}
	end, err := fb.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("draining rejected unit: %w", err)
	}
	if end != "FILE:END" {
		return fmt.Errorf("%w after drained unit: %q", protocol.ErrUnexpectedFrame, protocol.Truncate(end, 50))
	}
	return nil
}

// oneLine achata mensagens de erro para caberem num frame de texto.
func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
