// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileChunkSize é o tamanho de bloco usado ao transmitir corpos de arquivo.
const FileChunkSize = 64 * 1024

// FileEntry é um arquivo resolvido para envio.
type FileEntry struct {
	Path    string // caminho absoluto local
	RelPath string // caminho relativo no destino, separado por '/'
}

// ListFiles resolve root (arquivo ou diretório) na lista de arquivos a
// transferir. Um arquivo único vira seu próprio nome base; um diretório é
// percorrido recursivamente e cada arquivo carrega o caminho relativo à
// raiz. Links simbólicos não são seguidos; entradas ilegíveis são puladas.
func ListFiles(root string) ([]FileEntry, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []FileEntry{{Path: root, RelPath: info.Name()}}, nil
	}

	var files []FileEntry
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		files = append(files, FileEntry{
			Path:    p,
			RelPath: filepath.ToSlash(rel),
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walking %s: %w", root, walkErr)
	}
	return files, nil
}

// SendFile escreve a unidade completa de um arquivo em w: linha FILE:META,
// corpo em blocos de FileChunkSize e FILE:END. O chamador serializa w
// contra outros escritores pela duração da unidade inteira.
func SendFile(w io.Writer, absPath, relPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", absPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", absPath, err)
	}
	meta, err := json.Marshal(FileMeta{RelPath: relPath, Size: info.Size()})
	if err != nil {
		return fmt.Errorf("encoding file meta: %w", err)
	}
	if _, err := fmt.Fprintf(w, "FILE:META:%s\n", meta); err != nil {
		return fmt.Errorf("writing file meta: %w", err)
	}
	n, err := io.CopyBuffer(w, io.LimitReader(f, info.Size()), make([]byte, FileChunkSize))
	if err != nil {
		return fmt.Errorf("writing body of %s: %w", absPath, err)
	}
	if n != info.Size() {
		// O tamanho anunciado já foi para o stream; abortar é a única saída.
		return fmt.Errorf("file %s changed while sending: wrote %d of %d bytes", absPath, n, info.Size())
	}
	if _, err := io.WriteString(w, "FILE:END\n"); err != nil {
		return fmt.Errorf("writing file end: %w", err)
	}
	return nil
}

// ReceiveFile lê uma unidade de arquivo (META, corpo, END) de fb e a grava
// sob destDir, recriando o caminho relativo anunciado. O caminho é validado
// antes de tocar o disco; em erro o arquivo parcial é removido.
func ReceiveFile(ctx context.Context, fb *FrameBuffer, destDir string) (FileMeta, error) {
	return receiveUnit(ctx, fb, func(meta FileMeta) (string, error) {
		rel, err := CleanRelPath(meta.RelPath)
		if err != nil {
			return "", err
		}
		return filepath.Join(destDir, filepath.FromSlash(rel)), nil
	})
}

// ReceiveFileAt grava a unidade recebida exatamente em destPath, ignorando o
// rel_path anunciado. É o caso de um lote de um único arquivo cujo destino
// nomeia o próprio arquivo em vez de um diretório.
func ReceiveFileAt(ctx context.Context, fb *FrameBuffer, destPath string) (FileMeta, error) {
	return receiveUnit(ctx, fb, func(FileMeta) (string, error) {
		return filepath.Clean(destPath), nil
	})
}

func receiveUnit(ctx context.Context, fb *FrameBuffer, resolve func(FileMeta) (string, error)) (FileMeta, error) {
	line, err := fb.ReadLine(ctx)
	if err != nil {
		return FileMeta{}, fmt.Errorf("reading file meta: %w", err)
	}
	meta, err := DecodeFileMeta(line)
	if err != nil {
		return FileMeta{}, err
	}
	dest, err := resolve(meta)
	if err != nil {
		return FileMeta{}, err
	}
	if err := ReceiveBody(ctx, fb, meta, dest); err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}

// DecodeFileMeta interpreta uma linha FILE:META já lida do stream. Permite
// ao chamador aplicar um deadline próprio à espera do meta antes de receber
// o corpo.
func DecodeFileMeta(line string) (FileMeta, error) {
	payload, ok := strings.CutPrefix(line, "FILE:META:")
	if !ok {
		return FileMeta{}, fmt.Errorf("%w: want FILE:META, got %q", ErrUnexpectedFrame, Truncate(line, 50))
	}
	var meta FileMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return FileMeta{}, fmt.Errorf("decoding file meta: %w", err)
	}
	if meta.Size < 0 {
		return FileMeta{}, fmt.Errorf("file meta: negative size %d", meta.Size)
	}
	return meta, nil
}

// ReceiveBody consome o corpo e o FILE:END de uma unidade cujo meta já foi
// lido, gravando em destPath. Em erro o arquivo parcial é removido.
func ReceiveBody(ctx context.Context, fb *FrameBuffer, meta FileMeta, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating dirs for %s: %w", destPath, err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	if _, err := fb.ReadInto(ctx, f, meta.Size); err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("receiving %s: %w", meta.RelPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("closing %s: %w", destPath, err)
	}

	end, err := fb.ReadLine(ctx)
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("reading file end: %w", err)
	}
	if end != "FILE:END" {
		os.Remove(destPath)
		return fmt.Errorf("%w: want FILE:END, got %q", ErrUnexpectedFrame, Truncate(end, 50))
	}
	return nil
}

// CleanRelPath valida um rel_path vindo do stream: relativo, sem NUL, sem
// backslash e sem escapar do diretório de destino.
func CleanRelPath(rel string) (string, error) {
	if rel == "" || strings.ContainsAny(rel, "\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrBadRelPath, rel)
	}
	if path.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrBadRelPath, rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrBadRelPath, rel)
	}
	return clean, nil
}
