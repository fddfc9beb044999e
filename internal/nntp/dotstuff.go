package nntp

import "bytes"

// destuffLine undoes read-side dot-stuffing on one already-unframed
// line: a line beginning with two dots yields a line beginning with one
// dot. The NNTP layer — not the Socket (spec §4.1) — owns this.
func destuffLine(line []byte) []byte {
	if bytes.HasPrefix(line, []byte("..")) {
		return line[1:]
	}
	return line
}

// isTerminator reports whether line is the lone "." that ends a
// multi-line response.
func isTerminator(line []byte) bool {
	return len(line) == 1 && line[0] == '.'
}

// stuffBody applies write-side dot-stuffing to a POST body: every line
// beginning with '.' gets an extra '.', bare '\n' is normalized to
// "\r\n", and the whole thing is framed with a trailing ".\r\n" (spec
// §4.2, verified against scenario S4). It accepts both "\n"- and
// "\r\n"-delimited input.
func stuffBody(body []byte) []byte {
	var out bytes.Buffer

	lines := bytes.Split(normalizeNewlines(body), []byte("\n"))
	// bytes.Split on a string ending in \n yields a trailing empty
	// element; drop it so we don't emit a spurious blank line before the
	// terminator.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if bytes.HasPrefix(line, []byte(".")) {
			out.WriteByte('.')
		}
		out.Write(line)
		out.WriteString("\r\n")
	}
	out.WriteString(".\r\n")
	return out.Bytes()
}

func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return b
}
