package main

import "strings"

// CTCP framing per draft-oakley-irc-ctcp-02. A valid CTCP must begin with
// SOH and contain at least one octet which is not NUL, SOH, CR, LF, or
// space. Most of those are restricted at the protocol level so we only
// need to check for SOH and space.

const soh = '\x01'

// isCTCP reports whether the message body carries a CTCP.
func isCTCP(text string) bool {
	return len(text) >= 2 && text[0] == soh && text[1] != soh && text[1] != ' '
}

// decodeCTCP splits a CTCP body into its name and body. ok is false if the
// text is not a CTCP at all.
//
// A single trailing SOH is trimmed but an unterminated CTCP is accepted.
// This is deliberately lenient for interop with clients that do not
// terminate their CTCPs.
func decodeCTCP(text string) (name, body string, ok bool) {
	if !isCTCP(text) {
		return "", "", false
	}

	tailTrim := 0
	if text[len(text)-1] == soh {
		tailTrim = 1
	}

	endOfName := strings.IndexByte(text[2:], ' ')
	if endOfName == -1 {
		// The CTCP only contains a name.
		return text[1 : len(text)-tailTrim], "", true
	}
	endOfName += 2

	name = text[1:endOfName]

	// Find the first non-space after the name. The body may be provided but
	// empty.
	startOfBody := endOfName
	for startOfBody < len(text) && text[startOfBody] == ' ' {
		startOfBody++
	}
	if startOfBody == len(text) {
		return name, "", true
	}

	return name, text[startOfBody : len(text)-tailTrim], true
}
