package policyd

import (
	"bufio"
	"strings"

	"github.com/roadrunner-server/errors"
)

// ParseRequest reads key=value lines from r until the first blank line,
// per the Postfix policy delegation framing (spec.md §6.1). It stops at
// the first malformed line, returning what it read so far along with the
// error — the caller treats this as a failed request.
func ParseRequest(r *bufio.Reader) (map[string]string, error) {
	const op = errors.Op("policyd_parse_request")
	values := make(map[string]string)

	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			// A blank line, or the connection closing with nothing left to
			// read, both terminate the request the way the source's
			// readline()-returns-'' case does.
			return values, nil
		}

		key, val, ok := strings.Cut(trimmed, "=")
		if !ok {
			return values, errors.E(op, errors.Str("invalid protocol line: "+trimmed))
		}
		values[key] = val

		if err != nil {
			// EOF reached mid-line with no trailing newline: the request
			// was cut off before its terminating blank line.
			return values, errors.E(op, errors.Str("connection closed before terminating blank line"))
		}
	}
}

// FormatResponse renders the single response line the session writes back:
// "action=<verdict>\n\n", where <verdict> is the bare action, or "action
// argument" when the argument is non-blank (spec.md §4.3, §6.1).
func FormatResponse(v Verdict) string {
	verdict := string(v.Action)
	if strings.TrimSpace(v.Argument) != "" {
		verdict += " " + strings.TrimSpace(v.Argument)
	}
	return "action=" + verdict + "\n\n"
}

// StripAddress removes a leading "<...>" or "scheme:" wrapper from an
// envelope address, per spec.md §6.2.
func StripAddress(address string) string {
	start := strings.IndexByte(address, '<')
	if start >= 0 {
		start++
	} else {
		start = strings.IndexByte(address, ':')
		if start >= 0 {
			start++
		}
	}
	if start < 0 {
		return address
	}
	rest := address[start:]
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// ExtractDomain returns the right-hand side of the right-most '@' in
// address, per spec.md §6.2. An address with no '@' is an error.
func ExtractDomain(address string) (string, error) {
	const op = errors.Op("policyd_extract_domain")
	if address == "" {
		return "", errors.E(op, errors.Str("invalid email address: ''"))
	}
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 {
		return "", errors.E(op, errors.Str("invalid email address: '"+address+"'"))
	}
	return address[idx+1:], nil
}
