// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de linha N-Fleet para comunicação
// entre hub e agent sobre TCP: frames de texto UTF-8 terminados em '\n'
// multiplexados com corpos binários de arquivo no mesmo stream. O primeiro
// token antes de ':' seleciona o handler do frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Prefixos de frame (primeiro token antes de ':').
const (
	PrefixCmd     = "CMD"
	PrefixFiletru = "FILETRU"
	PrefixOutput  = "OUTPUT"
	PrefixExport  = "EXPORT"
	PrefixImport  = "IMPORT"
	PrefixKick    = "KICK"
	PrefixFile    = "FILE"
	PrefixServer  = "Server"
	PrefixWarning = "WARNING"
)

// Payloads de controle enviados como CMD:<payload>.
const (
	CancelTimeout = "CANCEL_TIMEOUT"
	CancelManual  = "CANCEL_MANUAL"
)

// ServerShutdown avisa os agents que o hub está encerrando.
const ServerShutdown = "SERVER_SHUTDOWN"

// Erros do protocolo.
var (
	ErrFrameTooLong    = errors.New("protocol: frame exceeds line limit")
	ErrUnexpectedFrame = errors.New("protocol: unexpected frame")
	ErrBadRelPath      = errors.New("protocol: unsafe relative path")
)

// TransferMeta descreve um lote de arquivos anunciado por IMPORT:START
// ou EXPORT:START.
type TransferMeta struct {
	Count   int    `json:"count"`
	DestDir string `json:"dest_dir"`
	Source  string `json:"source"`
}

// FileMeta precede cada corpo de arquivo no stream.
type FileMeta struct {
	RelPath string `json:"rel_path"`
	Size    int64  `json:"size"`
}

// CmdFrame monta o frame de execução de comando hub → agent.
func CmdFrame(command string) string { return PrefixCmd + ":" + command }

// FiletruFrame monta o frame de comando em lote hub → agent.
func FiletruFrame(command string) string { return PrefixFiletru + ":" + command }

// KickFrame monta o frame de desconexão forçada hub → agent.
func KickFrame(reason string) string { return PrefixKick + ":" + reason }

// ServerFrame monta uma mensagem de texto livre hub → agent.
func ServerFrame(text string) string { return PrefixServer + ": " + text }

// ExportRequestFrame monta o pedido de exportação hub → agent. O separador
// ';' permite caminhos contendo ':' (unidades Windows).
func ExportRequestFrame(src, dest string) string {
	return PrefixExport + ";" + src + ";" + dest
}

// ParseExportRequest divide o frame "EXPORT;<src>;<dest>". Destino vazio
// degrada para "received".
func ParseExportRequest(line string) (src, dest string, err error) {
	parts := strings.SplitN(line, ";", 3)
	if len(parts) < 2 || parts[0] != PrefixExport || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnexpectedFrame, Truncate(line, 50))
	}
	src = parts[1]
	dest = "received"
	if len(parts) == 3 && parts[2] != "" {
		dest = parts[2]
	}
	return src, dest, nil
}

// TransferStartFrame monta o anúncio "<prefix>:START:<json>" de um lote
// de arquivos.
func TransferStartFrame(prefix string, meta TransferMeta) (string, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding %s meta: %w", prefix, err)
	}
	return prefix + ":START:" + string(b), nil
}

// ParseTransferMeta decodifica o JSON após "<prefix>:START:".
func ParseTransferMeta(line, prefix string) (TransferMeta, error) {
	payload, ok := strings.CutPrefix(line, prefix+":START:")
	if !ok {
		return TransferMeta{}, fmt.Errorf("%w: want %s:START, got %q", ErrUnexpectedFrame, prefix, Truncate(line, 50))
	}
	var meta TransferMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return TransferMeta{}, fmt.Errorf("decoding %s meta: %w", prefix, err)
	}
	if meta.Count < 0 {
		return TransferMeta{}, fmt.Errorf("%s meta: negative count %d", prefix, meta.Count)
	}
	return meta, nil
}

// ParseTrailingInt extrai o último token ':' de um frame como inteiro.
// Sufixo ilegível degrada para 0 em vez de erro; o stream continua válido.
func ParseTrailingInt(line string) int {
	i := strings.LastIndexByte(line, ':')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
	if err != nil {
		return 0
	}
	return n
}

// Truncate corta s para exibição em logs.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
