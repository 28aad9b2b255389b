package parser

import (
	"strings"
	"unicode"
)

// digit-for-letter substitutions OCR makes inside words, and the reverse
// inside numbers.
var letterRepairs = map[rune]rune{'0': 'o', '1': 'i', '5': 's'}
var digitRepairs = map[rune]rune{'o': '0', 'i': '1', 'l': '1', 's': '5'}

// normalizeInput lowercases, collapses whitespace, and repairs well-known
// OCR substitutions. "1O kg r1ce, 5 L 0il" becomes "10 kg rice, 5 l oil".
func normalizeInput(raw string) string {
	s := strings.ToLower(raw)
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })

	for i, tok := range fields {
		fields[i] = repairToken(tok)
	}
	return strings.Join(fields, " ")
}

// repairToken fixes OCR confusions inside one token. The majority character
// class decides the token's nature: a mostly-letter token has its stray
// digits turned into letters, a mostly-digit token the reverse.
func repairToken(tok string) string {
	var letters, digits int
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	if letters == 0 || digits == 0 {
		return tok
	}

	runes := []rune(tok)
	toLetters := letters > digits
	if letters == digits {
		// a tie goes to whatever the token starts with: "1o" is a number,
		// "o1" a word
		toLetters = unicode.IsLetter(runes[0])
	}
	if toLetters {
		for i, r := range runes {
			if rep, ok := letterRepairs[r]; ok && adjacentLetter(runes, i) && !unitFollows(runes, i) {
				runes[i] = rep
			}
		}
	} else {
		for i, r := range runes {
			if rep, ok := digitRepairs[r]; ok && adjacentDigit(runes, i) {
				runes[i] = rep
			}
		}
	}
	return string(runes)
}

func adjacentLetter(runes []rune, i int) bool {
	return (i > 0 && unicode.IsLetter(runes[i-1])) ||
		(i < len(runes)-1 && unicode.IsLetter(runes[i+1]))
}

// unitFollows reports whether the letters right after position i spell a
// known unit, as in "5kg" or "250ml". Those digits are real quantities.
func unitFollows(runes []rune, i int) bool {
	j := i + 1
	for j < len(runes) && unicode.IsLetter(runes[j]) {
		j++
	}
	return j > i+1 && isUnit(string(runes[i+1:j]))
}

func adjacentDigit(runes []rune, i int) bool {
	return (i > 0 && unicode.IsDigit(runes[i-1])) ||
		(i < len(runes)-1 && unicode.IsDigit(runes[i+1]))
}

// splitLines breaks normalized input into candidate line tokens. Newlines,
// commas, semicolons and the word "and" all separate items.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\n", ",")
	s = strings.ReplaceAll(s, ";", ",")
	s = strings.ReplaceAll(s, " and ", ",")

	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
