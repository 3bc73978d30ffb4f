// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxNameLength limita ids de agent, nomes de grupo e nomes de snapshot.
const maxNameLength = 255

// validateName valida que um nome vindo da rede ou do console é seguro para
// uso como componente de caminho. Ids de agent viram diretórios em files/ e
// arquivos em scheduled_output/; nomes de grupo e de snapshot também.
func validateName(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxNameLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}

	// Rejeita NUL byte
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}

	// Rejeita path traversal
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with dot", fieldName)
	}

	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de
// baseDir. Aplica-se ao dest_dir de EXPORT, que pode conter subdiretórios.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
