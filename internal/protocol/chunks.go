package protocol

import (
	"fmt"
	"io"
	"strings"
)

// NewlineToken transporta '\n' dentro do payload de um frame CHUNK.
const NewlineToken = "<<<NL>>>"

// MaxChunkLines é o máximo de linhas por frame CHUNK.
const MaxChunkLines = 100

// EscapeNewlines troca '\n' pelo token de transporte.
func EscapeNewlines(s string) string { return strings.ReplaceAll(s, "\n", NewlineToken) }

// UnescapeNewlines restaura '\n' a partir do token de transporte.
func UnescapeNewlines(s string) string { return strings.ReplaceAll(s, NewlineToken, "\n") }

// SendChunked envia text como uma sequência START/CHUNK/END com o prefixo
// dado (OUTPUT ou FILETRU). Cada CHUNK carrega até MaxChunkLines linhas
// com '\n' escapado. O chamador serializa w contra outros escritores.
func SendChunked(w io.Writer, prefix, text string) error {
	lines := strings.Split(text, "\n")
	if _, err := fmt.Fprintf(w, "%s:START:%d\n", prefix, len(lines)); err != nil {
		return fmt.Errorf("writing %s start: %w", prefix, err)
	}
	for i := 0; i < len(lines); i += MaxChunkLines {
		end := i + MaxChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		payload := EscapeNewlines(strings.Join(lines[i:end], "\n"))
		if _, err := fmt.Fprintf(w, "%s:CHUNK:%s\n", prefix, payload); err != nil {
			return fmt.Errorf("writing %s chunk: %w", prefix, err)
		}
	}
	if _, err := fmt.Fprintf(w, "%s:END\n", prefix); err != nil {
		return fmt.Errorf("writing %s end: %w", prefix, err)
	}
	return nil
}

// ChunkPayload extrai o payload após "<prefix>:CHUNK:".
func ChunkPayload(line, prefix string) string {
	return strings.TrimPrefix(line, prefix+":CHUNK:")
}

// ChunkAssembler acumula uma sequência START/CHUNK/END no texto completo.
// Os payloads chegam na ordem do stream; END junta tudo com '\n'.
type ChunkAssembler struct {
	Kind   string // OUTPUT ou FILETRU; vazio quando inativo
	Total  int    // linhas anunciadas no START
	Chunks int
	parts  []string
}

// Start abre uma nova agregação, descartando qualquer estado anterior.
func (a *ChunkAssembler) Start(kind string, total int) {
	a.Kind = kind
	a.Total = total
	a.Chunks = 0
	a.parts = a.parts[:0]
}

// Add incorpora o payload de um frame CHUNK.
func (a *ChunkAssembler) Add(payload string) {
	a.parts = append(a.parts, UnescapeNewlines(payload))
	a.Chunks++
}

// Text junta os chunks restaurados na ordem de chegada.
func (a *ChunkAssembler) Text() string { return strings.Join(a.parts, "\n") }

// Active informa se há uma agregação em andamento.
func (a *ChunkAssembler) Active() bool { return a.Kind != "" }

// Reset descarta o estado acumulado.
func (a *ChunkAssembler) Reset() {
	a.Kind = ""
	a.Total = 0
	a.Chunks = 0
	a.parts = a.parts[:0]
}
