package search

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const minKeywordRunes = 2

var titleSeparators = []string{"：", ":", "–", "—", "-", "·", "|", "/", "~"}

var bracketPatterns = []*regexp.Regexp{
	regexp.MustCompile(`《[^》]*》`),
	regexp.MustCompile(`\([^)]*\)`),
	regexp.MustCompile(`（[^）]*）`),
	regexp.MustCompile(`\[[^\]]*\]`),
	regexp.MustCompile(`【[^】]*】`),
}

var trailingNumberPattern = regexp.MustCompile(`^(.+?)\d+$`)

var seasonPatterns = []*regexp.Regexp{
	regexp.MustCompile(`第[一二三四五六七八九十\d]+季$`),
	regexp.MustCompile(`第[一二三四五六七八九十\d]+部$`),
	regexp.MustCompile(`(?i)Season\s*\d+$`),
	regexp.MustCompile(`(?i)S\d+$`),
}

// keywordSet is an insertion-ordered set of search variants.
type keywordSet struct {
	list []string
	seen map[string]struct{}
}

func newKeywordSet(capacity int) *keywordSet {
	return &keywordSet{
		list: make([]string, 0, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

func (k *keywordSet) add(value string) {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) < minKeywordRunes {
		return
	}
	if _, ok := k.seen[value]; ok {
		return
	}
	k.seen[value] = struct{}{}
	k.list = append(k.list, value)
}

// ExpandKeywords derives the ordered, distinct query variants for keyword.
// The trimmed keyword always comes first; an empty result means the keyword
// is too short to search.
func ExpandKeywords(keyword, originalTitle string) []string {
	keyword = strings.TrimSpace(keyword)
	if utf8.RuneCountInString(keyword) < minKeywordRunes {
		return nil
	}
	set := newKeywordSet(6)
	set.add(keyword)
	set.add(originalTitle)

	mainTitle := beforeSeparator(keyword)
	set.add(mainTitle)
	set.add(stripBrackets(keyword))

	// Sequel numbers and season markers are also stripped from the main
	// title so "Title2: Subtitle" yields "Title".
	stems := []string{keyword}
	if mainTitle != "" {
		stems = append(stems, mainTitle)
	}
	for _, stem := range stems {
		set.add(stripTrailingNumber(stem))
	}
	for _, stem := range stems {
		set.add(stripSeason(stem))
	}
	return set.list
}

// MergeKeywords appends the expansion of every extra title to base,
// skipping variants already present.
func MergeKeywords(base []string, titles ...string) []string {
	set := newKeywordSet(len(base) + len(titles)*3)
	for _, kw := range base {
		set.add(kw)
	}
	for _, title := range titles {
		for _, kw := range ExpandKeywords(title, "") {
			set.add(kw)
		}
	}
	return set.list
}

func beforeSeparator(keyword string) string {
	cut := -1
	for _, sep := range titleSeparators {
		if idx := strings.Index(keyword, sep); idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
		}
	}
	if cut < 0 {
		return ""
	}
	return strings.TrimSpace(keyword[:cut])
}

func stripBrackets(keyword string) string {
	cleaned := keyword
	for _, pattern := range bracketPatterns {
		cleaned = strings.TrimSpace(pattern.ReplaceAllString(cleaned, ""))
	}
	if cleaned == keyword {
		return ""
	}
	return cleaned
}

func stripTrailingNumber(keyword string) string {
	match := trailingNumberPattern.FindStringSubmatch(keyword)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

func stripSeason(keyword string) string {
	cleaned := keyword
	for _, pattern := range seasonPatterns {
		cleaned = strings.TrimSpace(pattern.ReplaceAllString(cleaned, ""))
	}
	if cleaned == keyword {
		return ""
	}
	return cleaned
}

// isMostlyLatin reports whether more than 70% of the meaningful characters
// of text are ASCII letters. Whitespace, digits and common punctuation are
// ignored.
func isMostlyLatin(text string) bool {
	total, latin := 0, 0
	for _, r := range text {
		if isIgnoredForScript(r) {
			continue
		}
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			latin++
		}
	}
	if total == 0 {
		return false
	}
	return float64(latin)/float64(total) > 0.7
}

func isIgnoredForScript(r rune) bool {
	if unicode.IsSpace(r) || (r >= '0' && r <= '9') {
		return true
	}
	return strings.ContainsRune(`-_:.,!?'"()[]`, r)
}
