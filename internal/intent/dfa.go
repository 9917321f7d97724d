package intent

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// ============================================================================
// SENSITIVE WORD AUTOMATON
// ============================================================================

// fuzzyRunes folds common evasions onto their plain forms before matching:
// leetspeak digits and symbols, full-width variants, Chinese numerals.
var fuzzyRunes = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '8': 'b',
	'@': 'a', '$': 's', '!': 'i', '|': 'l', '+': 't',
	'０': 'o', '１': 'i', '３': 'e', '４': 'a', '５': 's', '７': 't', '８': 'b',
	'＠': 'a', '＄': 's', '！': 'i', '｜': 'l', '＋': 't',
	'零': '0', '一': '1', '二': '2', '三': '3', '四': '4', '五': '5',
	'六': '6', '七': '7', '八': '8', '九': '9',
}

type dfaNode struct {
	children map[rune]*dfaNode
	terminal bool
	category string
}

// WordMatch is one sensitive-word hit. Offsets are rune positions into the
// normalized text.
type WordMatch struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Word     string `json:"word"`
	Category string `json:"category"`
}

// Filter scans text for sensitive words with a character trie. Words and
// text pass through the same normalization (lowercase plus fuzzy folding),
// so "b0mb" matches a vocabulary entry "bomb". A built filter is read-only;
// updates construct a new Filter and swap it in whole.
type Filter struct {
	fuzzy bool
	root  *dfaNode
	words map[string]string // normalized word -> category
	nodes int
}

// NewFilter creates an empty filter.
func NewFilter(fuzzy bool) *Filter {
	return &Filter{
		fuzzy: fuzzy,
		root:  &dfaNode{children: make(map[rune]*dfaNode)},
		words: make(map[string]string),
	}
}

// AddWord inserts one word under a category. Blank words are ignored.
func (f *Filter) AddWord(word, category string) {
	runes := f.normalize(strings.TrimSpace(word))
	if len(runes) == 0 {
		return
	}
	f.words[string(runes)] = category

	current := f.root
	for _, r := range runes {
		next, ok := current.children[r]
		if !ok {
			next = &dfaNode{children: make(map[rune]*dfaNode)}
			current.children[r] = next
			f.nodes++
		}
		current = next
	}
	current.terminal = true
	current.category = category
}

// AddWords inserts a batch of words under one category.
func (f *Filter) AddWords(words []string, category string) {
	for _, w := range words {
		f.AddWord(w, category)
	}
}

// LoadFile reads one word per line, skipping blanks and '#' comments. The
// file name without extension becomes the category.
func (f *Filter) LoadFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	category := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.AddWord(line, category)
		count++
	}
	return count, scanner.Err()
}

// LoadDir loads every .txt, .csv, and .dat file in a directory; each file
// contributes its name as the category.
func (f *Filter) LoadDir(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".txt", ".csv", ".dat":
		default:
			continue
		}
		n, err := f.LoadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (f *Filter) normalize(text string) []rune {
	runes := []rune(text)
	for i, r := range runes {
		r = unicode.ToLower(r)
		if f.fuzzy {
			if folded, ok := fuzzyRunes[r]; ok {
				r = folded
			}
		}
		runes[i] = r
	}
	return runes
}

// Search returns every match in the text, including overlapping ones.
func (f *Filter) Search(text string) []WordMatch {
	if text == "" || len(f.root.children) == 0 {
		return nil
	}
	runes := f.normalize(text)

	var matches []WordMatch
	for i := range runes {
		current := f.root
		for j := i; j < len(runes); j++ {
			next, ok := current.children[runes[j]]
			if !ok {
				break
			}
			current = next
			if current.terminal {
				matches = append(matches, WordMatch{
					Start:    i,
					End:      j + 1,
					Word:     string(runes[i : j+1]),
					Category: current.category,
				})
			}
		}
	}
	return matches
}

// Contains reports whether the text holds at least one sensitive word.
func (f *Filter) Contains(text string) bool {
	return len(f.Search(text)) > 0
}

// Mask replaces every matched span with asterisks in the normalized text.
func (f *Filter) Mask(text string) string {
	matches := f.Search(text)
	if len(matches) == 0 {
		return text
	}
	runes := f.normalize(text)
	for _, m := range matches {
		for i := m.Start; i < m.End; i++ {
			runes[i] = '*'
		}
	}
	return string(runes)
}

// UniqueWords returns the distinct matched words, sorted.
func UniqueWords(matches []WordMatch) []string {
	seen := make(map[string]struct{}, len(matches))
	var words []string
	for _, m := range matches {
		if _, dup := seen[m.Word]; dup {
			continue
		}
		seen[m.Word] = struct{}{}
		words = append(words, m.Word)
	}
	sort.Strings(words)
	return words
}

// WordCount reports how many distinct words are loaded.
func (f *Filter) WordCount() int { return len(f.words) }

// NodeCount reports the size of the trie.
func (f *Filter) NodeCount() int { return f.nodes }
