// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"strings"
	"unicode"
)

// cyrillicMap mapeia letras cirílicas minúsculas para latinas. Ъ e Ь não têm
// correspondente e somem do alias.
var cyrillicMap = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Transliterate converte um id de agent em alias: letras cirílicas viram
// latinas pela tabela fixa (a capitalização da origem vira capitalização da
// primeira letra latina), espaços viram '_' e o resto passa intacto.
func Transliterate(id string) string {
	var b strings.Builder
	for _, r := range id {
		lower := unicode.ToLower(r)
		if (lower < 'а' || lower > 'я') && lower != 'ё' {
			b.WriteRune(r)
			continue
		}
		trans, ok := cyrillicMap[lower]
		if !ok {
			b.WriteRune(r)
			continue
		}
		if unicode.IsUpper(r) && trans != "" {
			trans = strings.ToUpper(trans[:1]) + trans[1:]
		}
		b.WriteString(trans)
	}
	return strings.ReplaceAll(b.String(), " ", "_")
}

// uniquifyAlias encontra o primeiro alias livre na sequência alias, alias_2,
// alias_3, ... A comparação é case-insensitive, igual ao índice do diretório.
func uniquifyAlias(alias string, taken func(string) bool) string {
	if !taken(alias) {
		return alias
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", alias, n)
		if !taken(candidate) {
			return candidate
		}
	}
}
