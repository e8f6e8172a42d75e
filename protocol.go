package main

import (
	"bufio"
	"fmt"
	"strings"
)

// Delimiters used by the clamd wire protocol. A command's framing style
// decides which one terminates both the command and its reply.
const (
	nullDelimiter    byte = 0x00
	newlineDelimiter byte = '\n'
)

// readCommand parses exactly one command off the wire. clamd accepts three
// framings, selected by the first byte:
//
//	z<COMMAND>\0     null-terminated
//	n<COMMAND>\n     newline-terminated (optional trailing \r stripped)
//	<COMMAND>\n      bare, newline-terminated
//
// The returned delimiter is the one the reply must use. An EOF before the
// terminator is returned as an error so the caller closes the connection;
// it is distinct from an empty command, which is valid.
//
// Only the very first byte is inspected, so a bare command that happens to
// start with 'z' or 'n' is taken as a framing marker. Real clamd shares
// this quirk and clients never send bare commands with those initials.
func readCommand(r *bufio.Reader) (cmd string, delim byte, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return "", 0, err
	}

	switch first {
	case 'z':
		line, err := r.ReadString(nullDelimiter)
		if err != nil {
			return "", 0, err
		}
		return strings.TrimSuffix(line, "\x00"), nullDelimiter, nil
	case 'n':
		line, err := r.ReadString('\n')
		if err != nil {
			return "", 0, err
		}
		return trimLineEnding(line), newlineDelimiter, nil
	case '\n':
		// A bare newline is an empty command, not a truncated one
		return "", newlineDelimiter, nil
	default:
		line, err := r.ReadString('\n')
		if err != nil {
			return "", 0, err
		}
		return string(first) + trimLineEnding(line), newlineDelimiter, nil
	}
}

// trimLineEnding strips a trailing \n and an optional \r before it
func trimLineEnding(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// writeReply frames a reply as (sessionPrefix)(body)(delimiter) and flushes
// it. The session prefix is "<id>: " while the connection is inside an
// IDSESSION, matching real clamd's multi-command session output.
func writeReply(w *bufio.Writer, sess *session, body string, delim byte) error {
	if id, ok := sess.current(); ok {
		if _, err := fmt.Fprintf(w, "%d: ", id); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(body); err != nil {
		return err
	}
	if err := w.WriteByte(delim); err != nil {
		return err
	}
	return w.Flush()
}
