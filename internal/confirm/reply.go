package confirm

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Reply parsing follows a fixed priority: a cancel keyword always wins, then
// an explicit disambiguation keyword (latest/oldest/all/numeric id), then a
// short leftover string is taken as an ingredient name. Anything else is
// unrecognized and re-prompts.

var cancelKeywords = []string{
	"キャンセル", "やめる", "やめて", "中止", "cancel", "stop",
}

var strategyKeywords = []struct {
	strategy string
	words    []string
}{
	{"latest", []string{"最新", "新しい", "latest", "newest"}},
	{"oldest", []string{"古い", "一番古い", "最初", "oldest"}},
	{"all", []string{"全部", "すべて", "全て", "all"}},
}

// particleWords are stripped from a reply before treating the remainder as
// an ingredient name. Longest first so compound forms go before their parts.
var particleWords = []string{
	"でお願いします", "をお願いします", "お願いします", "でお願い", "お願い",
	"ください", "下さい", "です", "ます", "して",
	"で", "を", "の", "に", "は", "が",
}

var proceedWithoutWords = []string{
	"おまかせ", "お任せ", "なし", "そのまま", "none",
}

// maxIngredientRunes bounds what still counts as a plain ingredient name.
const maxIngredientRunes = 20

// ParseReply classifies one confirmation response.
func ParseReply(text string) ParsedReply {
	normalized := strings.ToLower(strings.TrimSpace(width.Fold.String(text)))
	if normalized == "" {
		return ParsedReply{Kind: ReplyUnrecognized}
	}

	for _, kw := range cancelKeywords {
		if strings.Contains(normalized, kw) {
			return ParsedReply{Kind: ReplyCancel}
		}
	}

	for _, entry := range strategyKeywords {
		for _, kw := range entry.words {
			if strings.Contains(normalized, kw) {
				return ParsedReply{Kind: ReplyStrategy, Strategy: entry.strategy}
			}
		}
	}

	if id, ok := numericID(normalized); ok {
		return ParsedReply{Kind: ReplyStrategy, ByID: true, ItemID: id, Strategy: "by_id"}
	}

	name := stripParticles(normalized)
	if name != "" && utf8.RuneCountInString(name) <= maxIngredientRunes {
		return ParsedReply{Kind: ReplyIngredient, Ingredient: name}
	}

	return ParsedReply{Kind: ReplyUnrecognized}
}

// numericID accepts replies that are a bare number, optionally suffixed with
// a counter word ("2番" etc.).
func numericID(s string) (int64, bool) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "番目"), "番")
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// stripParticles trims trailing particle words and punctuation until nothing
// more comes off.
func stripParticles(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	for {
		trimmed := s
		for _, p := range particleWords {
			trimmed = strings.TrimSuffix(trimmed, p)
		}
		trimmed = strings.TrimFunc(trimmed, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

func isProceedWithout(name string) bool {
	for _, w := range proceedWithoutWords {
		if name == w {
			return true
		}
	}
	return false
}
