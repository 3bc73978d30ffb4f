// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-fleet/internal/config"
)

// OffsiteUploader replica artefatos do hub num bucket S3: os arquivos
// compactados pela rotação de trash/ e os snapshots de save/. A varredura é
// idempotente por caminho e tamanho; falha de upload fica para a próxima.
type OffsiteUploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	sent map[string]int64 // caminho local → tamanho já enviado
}

// NewOffsiteUploader monta o cliente S3 com credenciais estáticas da
// configuração. Endpoint custom (MinIO e compatíveis) usa path-style.
func NewOffsiteUploader(cfg config.OffsiteConfig, logger *slog.Logger) (*OffsiteUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("offsite bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading offsite credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &OffsiteUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("component", "offsite"),
		sent:   make(map[string]int64),
	}, nil
}

// Sync varre os diretórios e envia o que ainda não subiu. Chamado pelo
// housekeeping periódico do hub.
func (u *OffsiteUploader) Sync(ctx context.Context, dirs ...string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				u.logger.Error("scanning offsite dir", "dir", dir, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			if e.IsDir() || !uploadable(dir, e.Name()) {
				continue
			}
			u.uploadIfNew(ctx, dir, e.Name())
		}
	}
}

// uploadable aceita os compactados da rotação em qualquer diretório e os
// snapshots .txt apenas de save/. Os .txt de trash/ ainda estão crescendo.
func uploadable(dir, name string) bool {
	if strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".zst") {
		return true
	}
	return strings.HasSuffix(name, ".txt") && filepath.Base(dir) == "save"
}

func (u *OffsiteUploader) uploadIfNew(ctx context.Context, dir, name string) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	u.mu.Lock()
	size, ok := u.sent[path]
	u.mu.Unlock()
	if ok && size == info.Size() {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		u.logger.Error("opening offsite upload", "path", path, "error", err)
		return
	}
	defer f.Close()

	key := u.objectKey(filepath.Base(dir), name)
	start := time.Now()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		u.logger.Error("offsite upload failed", "key", key, "error", err)
		return
	}

	u.mu.Lock()
	u.sent[path] = info.Size()
	u.mu.Unlock()
	u.logger.Info("offsite upload done",
		"key", key, "size", info.Size(), "elapsed", time.Since(start).Round(time.Millisecond))
}

func (u *OffsiteUploader) objectKey(category, name string) string {
	if u.prefix == "" {
		return category + "/" + name
	}
	return u.prefix + "/" + category + "/" + name
}
