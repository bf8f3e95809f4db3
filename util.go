package main

import "strings"

// 50 from RFC
const maxChannelLength = 50

// Arbitrary. Something low enough we won't hit message limit.
const maxTopicLength = 300

// Casemapping controls how we canonicalize nicknames and channel names.
// RFC 1459 treats []\~ as the uppercase forms of {}|^. The strict variant
// leaves ~ alone. Which one is in force comes from the config.
type Casemapping int

const (
	// CasemapRFC1459 folds []\~ to {}|^ in addition to A-Z.
	CasemapRFC1459 Casemapping = iota

	// CasemapStrictRFC1459 folds []\ to {}| but not ~ to ^.
	CasemapStrictRFC1459
)

// canonicalize converts a nickname or channel name to its canonical
// representation (which must be unique).
//
// Note: We don't check validity or strip whitespace.
func canonicalize(cm Casemapping, s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == '[':
			b[i] = '{'
		case c == ']':
			b[i] = '}'
		case c == '\\':
			b[i] = '|'
		case c == '~':
			if cm == CasemapRFC1459 {
				b[i] = '^'
			}
		}
	}
	return string(b)
}

// isValidNick checks if a nickname is valid.
func isValidNick(maxLen int, n string) bool {
	if len(n) == 0 || len(n) > maxLen {
		return false
	}

	for i, char := range n {
		if char >= 'a' && char <= 'z' || char >= 'A' && char <= 'Z' {
			continue
		}

		if char >= '0' && char <= '9' {
			// No digits in first position.
			if i == 0 {
				return false
			}
			continue
		}

		if strings.ContainsRune("_[]{}|^", char) {
			continue
		}

		return false
	}

	return true
}

// isValidUser checks if a user (USER command) is valid
func isValidUser(maxLen int, u string) bool {
	if len(u) == 0 || len(u) > maxLen {
		return false
	}

	for _, char := range u {
		if char >= 'a' && char <= 'z' || char >= 'A' && char <= 'Z' {
			continue
		}

		if char >= '0' && char <= '9' {
			continue
		}

		return false
	}

	return true
}

func isValidRealName(s string) bool {
	// Arbitrary. Length only for now.
	return len(s) <= 64
}

// isValidChannel checks a channel name for validity.
//
// You should canonicalize it before using this function.
func isValidChannel(c string) bool {
	if len(c) == 0 || len(c) > maxChannelLength {
		return false
	}

	if c[0] != '#' {
		return false
	}

	for _, char := range c[1:] {
		// No spaces, commas, or control G. RFC 2812 section 1.3.
		if char == ' ' || char == ',' || char == 7 {
			return false
		}
	}

	return true
}

func isNumericCommand(command string) bool {
	for _, c := range command {
		if c < 48 || c > 57 {
			return false
		}
	}
	return true
}

// splitCommaList turns a comma separated command argument into its pieces.
// Blank pieces are dropped.
func splitCommaList(s string) []string {
	var out []string
	for _, piece := range strings.Split(s, ",") {
		piece = strings.TrimSpace(piece)
		if len(piece) == 0 {
			continue
		}
		out = append(out, piece)
	}
	return out
}

// matchGlob reports whether the string s matches the IRC style mask. A mask
// may contain * (any run, including empty) and ? (any single character).
// Both sides are canonicalized with the given casemapping first, so matching
// is caseless in the IRC sense.
func matchGlob(cm Casemapping, mask, s string) bool {
	return globMatch(canonicalize(cm, mask), canonicalize(cm, s))
}

// globMatch is a two pointer matcher over * and ?. Iterative so a hostile
// mask can't blow the stack.
func globMatch(mask, s string) bool {
	mi, si := 0, 0
	star, ss := -1, 0

	for si < len(s) {
		if mi < len(mask) && (mask[mi] == '?' || mask[mi] == s[si]) {
			mi++
			si++
			continue
		}

		if mi < len(mask) && mask[mi] == '*' {
			star = mi
			ss = si
			mi++
			continue
		}

		if star >= 0 {
			mi = star + 1
			ss++
			si = ss
			continue
		}

		return false
	}

	for mi < len(mask) && mask[mi] == '*' {
		mi++
	}

	return mi == len(mask)
}
