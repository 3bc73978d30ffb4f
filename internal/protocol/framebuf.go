// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// MaxLineBytes limita o tamanho de um frame de texto. Um stream sem '\n'
// além deste limite é abortado em vez de crescer sem fim.
const MaxLineBytes = 1 << 20

// readDeadliner é o subconjunto de net.Conn usado para propagar deadlines.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// FrameBuffer lê frames de texto e corpos binários do mesmo stream sem
// perder bytes entre os dois modos: ReadLine e ReadExact drenam a mesma
// fila interna, na ordem de chegada. Exatamente uma goroutine deve ser
// dona do buffer; não há sincronização interna.
type FrameBuffer struct {
	r       io.Reader
	dl      readDeadliner // nil quando r não expõe SetReadDeadline
	stall   time.Duration // prazo por leitura; 0 usa só o deadline do ctx
	queue   []byte
	scratch []byte
}

// NewFrameBuffer cria um FrameBuffer sobre r. Quando r é um net.Conn,
// deadlines de contexto são aplicados via SetReadDeadline.
func NewFrameBuffer(r io.Reader) *FrameBuffer {
	fb := &FrameBuffer{r: r, scratch: make([]byte, 32*1024)}
	if dl, ok := r.(readDeadliner); ok {
		fb.dl = dl
	}
	return fb
}

// Feed devolve à fila bytes lidos fora do buffer (costura do handshake).
// Eles são consumidos antes de qualquer byte novo do stream.
func (fb *FrameBuffer) Feed(p []byte) {
	fb.queue = append(fb.queue, p...)
}

// Buffered informa quantos bytes aguardam na fila interna.
func (fb *FrameBuffer) Buffered() int { return len(fb.queue) }

// SetStall define o prazo máximo entre leituras consecutivas do stream.
// Diferente de um deadline absoluto no ctx, o prazo renova a cada leitura
// com progresso, então corpos grandes não morrem por duração total.
func (fb *FrameBuffer) SetStall(d time.Duration) { fb.stall = d }

// ReadLine retorna o próximo frame terminado em '\n', sem o terminador.
func (fb *FrameBuffer) ReadLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(fb.queue, '\n'); i >= 0 {
			line := string(fb.queue[:i])
			fb.queue = fb.queue[i+1:]
			return line, nil
		}
		if len(fb.queue) > MaxLineBytes {
			return "", ErrFrameTooLong
		}
		if err := fb.fill(ctx); err != nil {
			return "", err
		}
	}
}

// ReadExact retorna exatamente n bytes da mesma fila usada por ReadLine.
// n == 0 retorna sem tocar o stream.
func (fb *FrameBuffer) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("protocol: negative read size %d", n)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		if len(fb.queue) == 0 {
			if err := fb.fill(ctx); err != nil {
				return nil, err
			}
		}
		take := n - len(out)
		if take > len(fb.queue) {
			take = len(fb.queue)
		}
		out = append(out, fb.queue[:take]...)
		fb.queue = fb.queue[take:]
	}
	return out, nil
}

// ReadInto copia exatamente n bytes da fila para w em blocos, sem
// materializar o corpo inteiro em memória.
func (fb *FrameBuffer) ReadInto(ctx context.Context, w io.Writer, n int64) (int64, error) {
	var written int64
	for written < n {
		if len(fb.queue) == 0 {
			if err := fb.fill(ctx); err != nil {
				return written, err
			}
		}
		take := n - written
		if take > int64(len(fb.queue)) {
			take = int64(len(fb.queue))
		}
		m, err := w.Write(fb.queue[:take])
		written += int64(m)
		fb.queue = fb.queue[m:]
		if err != nil {
			return written, fmt.Errorf("writing body: %w", err)
		}
	}
	return written, nil
}

// fill bloqueia até o stream entregar ao menos um byte novo.
func (fb *FrameBuffer) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fb.dl != nil {
		deadline, _ := ctx.Deadline()
		if fb.stall > 0 {
			stallAt := time.Now().Add(fb.stall)
			if deadline.IsZero() || stallAt.Before(deadline) {
				deadline = stallAt
			}
		}
		if err := fb.dl.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
	}
	n, err := fb.r.Read(fb.scratch)
	if n > 0 {
		fb.queue = append(fb.queue, fb.scratch[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
