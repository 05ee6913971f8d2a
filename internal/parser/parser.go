// Package parser turns a stored RFC 5322 message (an .eml file) into the
// envelope handed to the submission client.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// ErrEmpty is returned for an input without any content.
var ErrEmpty = errors.New("message is empty")

// envelopeHeaders are re-emitted by the envelope itself and are therefore
// dropped from the passthrough headers.
var envelopeHeaders = map[string]bool{
	"to":      true,
	"from":    true,
	"subject": true,
}

// Parse reads a complete message. The first To and From addresses and the
// raw Subject become envelope fields; every other header (MIME headers
// included) is kept in front of the body, separated from it by a blank line,
// so a multipart message still arrives intact.
func Parse(raw []byte) (email.Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return email.Envelope{}, ErrEmpty
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return email.Envelope{}, fmt.Errorf("failed to parse message: %w", err)
	}

	for _, perr := range env.Errors {
		slog.Warn("message has MIME problems", "error", perr.Error())
	}

	from, err := firstAddress(env, "From")
	if err != nil {
		return email.Envelope{}, err
	}
	to, err := firstAddress(env, "To")
	if err != nil {
		return email.Envelope{}, err
	}

	header, body := split(raw)
	subject, passthrough := filterHeaders(header)

	var b strings.Builder
	for _, line := range passthrough {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	b.WriteString(body)

	return email.Envelope{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    b.String(),
	}, nil
}

func firstAddress(env *enmime.Envelope, header string) (string, error) {
	list, err := env.AddressList(header)
	if err != nil {
		return "", fmt.Errorf("invalid %s header: %w", header, err)
	}
	if len(list) == 0 {
		return "", fmt.Errorf("message has no %s address", header)
	}
	if len(list) > 1 {
		slog.Warn("only the first address is used", "header", header, "count", len(list))
	}
	return list[0].Address, nil
}

// split separates the header block from the body at the first empty line.
func split(raw []byte) ([]string, string) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")

	head, body, found := strings.Cut(s, "\n\n")
	if !found {
		head = strings.TrimSuffix(s, "\n")
		body = ""
	}
	return strings.Split(head, "\n"), body
}

// filterHeaders returns the unfolded raw Subject value and the header lines
// that are not envelope headers, continuation lines kept with their field.
func filterHeaders(lines []string) (string, []string) {
	var (
		subject string
		kept    []string
		skip    bool
		inSubj  bool
	)

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if inSubj {
				subject += " " + strings.TrimSpace(line)
			}
			if !skip {
				kept = append(kept, line)
			}
			continue
		}

		name, value, _ := strings.Cut(line, ":")
		key := strings.ToLower(strings.TrimSpace(name))
		skip = envelopeHeaders[key]
		inSubj = key == "subject"
		if inSubj {
			subject = strings.TrimSpace(value)
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	return subject, kept
}
