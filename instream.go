package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// instreamSizeExceededReply matches real clamd's reply when the aggregate
// stream size limit is exceeded.
const instreamSizeExceededReply = "INSTREAM size limit exceeded. ERROR"

// instreamResult summarizes one completed INSTREAM exchange
type instreamResult struct {
	Reply  string
	Bytes  int64
	Status string // "clean", "found" or "oversized", for logs and metrics
}

// runInstream drives the INSTREAM sub-protocol: a sequence of
// (4-byte big-endian length, payload) pairs terminated by a zero length.
//
// Payloads stream straight into a fresh scan buffer, so a hostile declared
// length never drives an allocation. Once the running total exceeds max the
// stream is oversized; the remaining pairs are still consumed and discarded
// so a pipelined client's framing stays intact, and the reply is clamd's
// size-limit error instead of a verdict.
//
// A transport error (EOF mid-header or mid-payload) is returned to the
// caller, which treats the client as gone and closes without replying.
func runInstream(r *bufio.Reader, max int64) (*instreamResult, error) {
	buf := newScanBuffer(max)
	var total int64
	overflowed := false

	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		length := int64(binary.BigEndian.Uint32(header[:]))
		if length == 0 {
			// Normal terminator
			break
		}

		total += length
		if total > max {
			overflowed = true
		}

		// Drain mode discards payload bytes but keeps consuming pairs
		var dst io.Writer = buf
		if overflowed {
			dst = io.Discard
		}
		if _, err := io.CopyN(dst, r, length); err != nil {
			return nil, fmt.Errorf("reading chunk payload: %w", err)
		}
	}

	if overflowed {
		return &instreamResult{
			Reply:  instreamSizeExceededReply,
			Bytes:  total,
			Status: "oversized",
		}, nil
	}

	if d := buf.Detect(); d.Infected {
		return &instreamResult{
			Reply:  fmt.Sprintf("stream: %s FOUND", d.Signature),
			Bytes:  total,
			Status: "found",
		}, nil
	}
	return &instreamResult{
		Reply:  "stream: OK",
		Bytes:  total,
		Status: "clean",
	}, nil
}
