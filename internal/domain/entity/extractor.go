package entity

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// スロット名の定義
const (
	KeyPersonName = "person_name"
	KeyChildName  = "child_name"
	KeyAge        = "age"
	KeyDate       = "date"
	KeyTime       = "time"
	KeyEmail      = "email"
	KeyProgram    = "program"
)

// Entities は抽出されたスロット名 → 値のマップ
type Entities map[string]string

// Has はスロットが抽出済みかを判定
func (e Entities) Has(key string) bool {
	v, ok := e[key]
	return ok && v != ""
}

// Keys はスロット名をソートして返す
func (e Entities) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone はコピーを返す
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

var (
	namePhrasePattern = regexp.MustCompile(`(?i)(?:meu nome é|meu nome e|me chamo|aqui é|aqui e|sou o|sou a|my name is|i am|i'm|this is)\s+(\p{L}+(?:\s+\p{L}+){0,2})`)
	childPattern      = regexp.MustCompile(`(?:[Mm]eu filho|[Mm]inha filha|[Mm]y son|[Mm]y daughter|[Mm]y child)(?:\s+(?:se chama|chama|is called|is named|named|is))?\s+(\p{Lu}\p{Ll}+)`)
	bareNamePattern   = regexp.MustCompile(`^\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+){0,2}[.!]?$`)
	agePattern        = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:anos|ano|years?\s*old|yo)\b`)
	dateNumPattern    = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})(?:[/-](\d{2,4}))?\b`)
	dateWordPattern   = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(hoje|amanhã|amanha|segunda|terça|terca|quarta|quinta|sexta|sábado|sabado|domingo|today|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:$|[^\p{L}])`)
	timePattern       = regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2}|\d{1,2}\s*(?:h|hs|horas|am|pm))\b`)
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// 名前として扱わない語（文頭の大文字語など）
var nameStopWords = map[string]struct{}{
	"oi": {}, "olá": {}, "ola": {}, "bom": {}, "boa": {}, "hello": {}, "hi": {}, "hey": {},
	"sim": {}, "não": {}, "nao": {}, "yes": {}, "no": {}, "ok": {}, "obrigado": {}, "obrigada": {},
	"thanks": {}, "quero": {}, "gostaria": {}, "interessado": {}, "interessada": {},
}

// プログラム名キーワード（小文字）
var programKeywords = []string{
	"inglês", "ingles", "english",
	"matemática", "matematica", "math",
	"robótica", "robotica", "robotics",
	"programação", "programacao", "coding", "programming",
	"música", "musica", "music",
	"kumon",
}

// Extract はテキストからエンティティを抽出する
// スコアラーと分類器の双方がこの関数を使い、同一のエンティティを参照する
func Extract(text string) Entities {
	out := Entities{}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out
	}

	if m := emailPattern.FindString(trimmed); m != "" {
		out[KeyEmail] = strings.ToLower(m)
	}
	if m := agePattern.FindStringSubmatch(trimmed); m != nil {
		out[KeyAge] = m[1]
	}
	if m := dateNumPattern.FindString(trimmed); m != "" {
		out[KeyDate] = m
	} else if m := dateWordPattern.FindStringSubmatch(trimmed); m != nil {
		out[KeyDate] = strings.ToLower(m[1])
	}
	if m := timePattern.FindString(trimmed); m != "" {
		out[KeyTime] = strings.ToLower(strings.ReplaceAll(m, " ", ""))
	}
	if m := childPattern.FindStringSubmatch(trimmed); m != nil {
		out[KeyChildName] = m[1]
	}
	if name := extractPersonName(trimmed); name != "" && name != out[KeyChildName] {
		out[KeyPersonName] = name
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range programKeywords {
		if strings.Contains(lower, kw) {
			out[KeyProgram] = kw
			break
		}
	}

	return out
}

// extractPersonName は大文字始まりのヒューリスティックで人名を推定
func extractPersonName(text string) string {
	if m := namePhrasePattern.FindStringSubmatch(text); m != nil {
		return capitalizedPrefix(m[1])
	}
	if bareNamePattern.MatchString(text) {
		candidate := strings.TrimRight(text, ".!")
		first := strings.ToLower(strings.Fields(candidate)[0])
		if _, stop := nameStopWords[first]; stop {
			return ""
		}
		return candidate
	}
	return ""
}

// capitalizedPrefix は先頭から大文字始まりの語だけを残す
func capitalizedPrefix(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		r := []rune(w)
		if len(r) == 0 || !unicode.IsUpper(r[0]) {
			break
		}
		if _, stop := nameStopWords[strings.ToLower(w)]; stop {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}
