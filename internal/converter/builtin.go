package converter

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// funcConverter adapts a pure function into a Converter.
type funcConverter struct {
	name     string
	category Category
	fn       func(string) (string, error)
}

func (f *funcConverter) Name() string       { return f.name }
func (f *funcConverter) Category() Category { return f.category }
func (f *funcConverter) Transform(text string) (string, error) {
	return f.fn(text)
}

// NewFunc builds a converter from a transform function. Plugin and
// test converters use this; built-ins do too.
func NewFunc(name string, category Category, fn func(string) (string, error)) Converter {
	return &funcConverter{name: name, category: category, fn: fn}
}

// builtins returns the built-in converter set. All transforms are
// deterministic: the same chain on the same text always yields the
// same output.
func builtins() []Converter {
	return []Converter{
		NewFunc("base64", CategoryEncoding, func(s string) (string, error) {
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		}),
		NewFunc("base64url", CategoryEncoding, func(s string) (string, error) {
			return base64.URLEncoding.EncodeToString([]byte(s)), nil
		}),
		NewFunc("hex", CategoryEncoding, func(s string) (string, error) {
			return hex.EncodeToString([]byte(s)), nil
		}),
		NewFunc("rot13", CategoryEncoding, func(s string) (string, error) {
			return caesarShift(s, 13), nil
		}),
		NewFunc("caesar", CategoryEncoding, func(s string) (string, error) {
			return caesarShift(s, 3), nil
		}),
		NewFunc("leetspeak", CategoryObfuscation, func(s string) (string, error) {
			return leetspeak(s), nil
		}),
		NewFunc("charswap", CategoryObfuscation, func(s string) (string, error) {
			return charSwap(s), nil
		}),
		NewFunc("homoglyph", CategoryObfuscation, func(s string) (string, error) {
			return homoglyph(s), nil
		}),
		NewFunc("case_scramble", CategoryObfuscation, func(s string) (string, error) {
			return caseScramble(s), nil
		}),
		NewFunc("zero_width", CategoryObfuscation, func(s string) (string, error) {
			return zeroWidth(s), nil
		}),
		NewFunc("unicode_escape", CategoryEscape, func(s string) (string, error) {
			return unicodeEscape(s), nil
		}),
		NewFunc("urlencode", CategoryEscape, func(s string) (string, error) {
			return url.QueryEscape(s), nil
		}),
		NewFunc("reverse", CategoryLinguistic, func(s string) (string, error) {
			return reverseRunes(s), nil
		}),
		NewFunc("morse", CategoryLinguistic, func(s string) (string, error) {
			return morse(s), nil
		}),
		NewFunc("binary", CategoryEncoding, func(s string) (string, error) {
			return binaryBytes(s), nil
		}),
	}
}

func caesarShift(s string, shift int) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			sb.WriteRune('a' + (r-'a'+rune(shift))%26)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune('A' + (r-'A'+rune(shift))%26)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var leetMap = map[rune]rune{
	'a': '4', 'A': '4',
	'e': '3', 'E': '3',
	'i': '1', 'I': '1',
	'o': '0', 'O': '0',
	's': '5', 'S': '5',
	't': '7', 'T': '7',
}

func leetspeak(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if sub, ok := leetMap[r]; ok {
			sb.WriteRune(sub)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// charSwap swaps the two middle characters of every word of four or
// more letters, which keeps the word recognizable to a reader (and
// often to the model) while breaking exact-match filters.
func charSwap(s string) string {
	words := strings.Split(s, " ")
	for i, w := range words {
		runes := []rune(w)
		if len(runes) < 4 {
			continue
		}
		mid := len(runes) / 2
		runes[mid-1], runes[mid] = runes[mid], runes[mid-1]
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// homoglyphMap swaps Latin letters for their Cyrillic lookalikes.
var homoglyphMap = map[rune]rune{
	'a': 'а', 'c': 'с', 'e': 'е', 'i': 'і', 'o': 'о',
	'p': 'р', 's': 'ѕ', 'x': 'х', 'y': 'у',
	'A': 'А', 'B': 'В', 'C': 'С', 'E': 'Е', 'H': 'Н',
	'K': 'К', 'M': 'М', 'O': 'О', 'P': 'Р', 'T': 'Т', 'X': 'Х',
}

func homoglyph(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if sub, ok := homoglyphMap[r]; ok {
			sb.WriteRune(sub)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// caseScramble alternates case over the letters only, so repeated
// application is stable against non-letter characters.
func caseScramble(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	letter := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if letter%2 == 0 {
				sb.WriteRune(unicode.ToUpper(r))
			} else {
				sb.WriteRune(unicode.ToLower(r))
			}
			letter++
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// zeroWidth inserts U+200B between consecutive letters.
func zeroWidth(s string) string {
	var sb strings.Builder
	prev := rune(0)
	for _, r := range s {
		if unicode.IsLetter(prev) && unicode.IsLetter(r) {
			sb.WriteRune('​')
		}
		sb.WriteRune(r)
		prev = r
	}
	return sb.String()
}

func unicodeEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r > 0xFFFF {
			fmt.Fprintf(&sb, "\\U%08X", r)
		} else {
			fmt.Fprintf(&sb, "\\u%04x", r)
		}
	}
	return sb.String()
}

func reverseRunes(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

var morseMap = map[rune]string{
	'a': ".-", 'b': "-...", 'c': "-.-.", 'd': "-..", 'e': ".",
	'f': "..-.", 'g': "--.", 'h': "....", 'i': "..", 'j': ".---",
	'k': "-.-", 'l': ".-..", 'm': "--", 'n': "-.", 'o': "---",
	'p': ".--.", 'q': "--.-", 'r': ".-.", 's': "...", 't': "-",
	'u': "..-", 'v': "...-", 'w': ".--", 'x': "-..-", 'y': "-.--",
	'z': "--..",
	'0': "-----", '1': ".----", '2': "..---", '3': "...--", '4': "....-",
	'5': ".....", '6': "-....", '7': "--...", '8': "---..", '9': "----.",
}

func morse(s string) string {
	var parts []string
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ':
			parts = append(parts, "/")
		default:
			if code, ok := morseMap[r]; ok {
				parts = append(parts, code)
			}
		}
	}
	return strings.Join(parts, " ")
}

func binaryBytes(s string) string {
	parts := make([]string, len(s))
	for i := 0; i < len(s); i++ {
		parts[i] = fmt.Sprintf("%08b", s[i])
	}
	return strings.Join(parts, " ")
}
