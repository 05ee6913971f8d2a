// Package email defines the message envelope submitted by a session and the
// wire framing applied to it before transfer.
package email

import (
	"strings"
)

// Envelope is a single message as handed to the submission client.
// All fields are used verbatim; no address or header validation is done.
type Envelope struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Raw returns the header/body concatenation the message is built from,
// with the line breaks exactly as supplied.
func (e Envelope) Raw() string {
	var b strings.Builder
	b.WriteString("To: " + e.To + "\n")
	b.WriteString("From: " + e.From + "\n")
	b.WriteString("Subject: " + e.Subject + "\n")
	b.WriteString(e.Body)
	return b.String()
}

// Assemble builds the DATA payload for the envelope: headers and body with
// every line break normalised to CRLF and every line starting with a dot
// prefixed with one more dot, so a lone "." can only be the terminator.
// The result does not include the terminating "\r\n.".
func (e Envelope) Assemble() []byte {
	lines := splitLines(e.Raw())

	size := 0
	for _, l := range lines {
		size += len(l) + 3
	}

	buf := make([]byte, 0, size)
	for i, l := range lines {
		if i > 0 {
			buf = append(buf, '\r', '\n')
		}
		if strings.HasPrefix(l, ".") {
			buf = append(buf, '.')
		}
		buf = append(buf, l...)
	}
	return buf
}

// Unstuff reverses Assemble: it strips the transparency dot from each line
// and converts CRLF back to a single "\n".
func Unstuff(data []byte) string {
	lines := strings.Split(string(data), "\r\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = l[1:]
		}
	}
	return strings.Join(lines, "\n")
}

// splitLines splits s on CRLF, bare CR and bare LF.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}
