package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instreamBody frames payload chunks the way an INSTREAM client does and
// appends the zero-length terminator.
func instreamBody(chunks ...[]byte) []byte {
	var buf bytes.Buffer
	var header [4]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(header[:], uint32(len(c)))
		buf.Write(header[:])
		buf.Write(c)
	}
	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes()
}

func TestRunInstreamSingleChunkEicar(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(instreamBody(eicarPattern())))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: Win.Test.EICAR_HDB-1 FOUND", result.Reply)
	assert.Equal(t, "found", result.Status)
	assert.Equal(t, int64(68), result.Bytes)
}

func TestRunInstreamChunkedEicar(t *testing.T) {
	sig := eicarPattern()
	r := bufio.NewReader(bytes.NewReader(instreamBody(sig[:20], sig[20:45], sig[45:])))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: Win.Test.EICAR_HDB-1 FOUND", result.Reply)
}

func TestRunInstreamCleanStream(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(instreamBody([]byte("clean content"))))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: OK", result.Reply)
	assert.Equal(t, "clean", result.Status)
}

func TestRunInstreamEmptyStream(t *testing.T) {
	// A lone terminator is a valid, empty stream
	r := bufio.NewReader(bytes.NewReader(instreamBody()))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: OK", result.Reply)
	assert.Zero(t, result.Bytes)
}

func TestRunInstreamAtExactLimit(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(instreamBody(bytes.Repeat([]byte{'x'}, testMaxStreamSize))))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: OK", result.Reply)
}

func TestRunInstreamOversized(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(instreamBody(bytes.Repeat([]byte{'x'}, testMaxStreamSize+1))))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, instreamSizeExceededReply, result.Reply)
	assert.Equal(t, "oversized", result.Status)
}

func TestRunInstreamOversizedDrainsRemainingChunks(t *testing.T) {
	// An overflowing stream must still be consumed through its terminator
	// so a pipelined client's framing stays intact
	body := instreamBody(
		bytes.Repeat([]byte{'x'}, testMaxStreamSize),
		[]byte("overflow trigger"),
		[]byte("still consumed"),
	)
	trailing := []byte("nPING\n")
	r := bufio.NewReader(bytes.NewReader(append(body, trailing...)))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, instreamSizeExceededReply, result.Reply)

	// The next command must be exactly where the client framed it
	cmd, delim, err := readCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "PING", cmd)
	assert.Equal(t, newlineDelimiter, delim)
}

func TestRunInstreamOversizedEicarNotReported(t *testing.T) {
	// Once the stream overflows, no verdict is computed even if the
	// accepted prefix contained the signature
	body := instreamBody(eicarPattern(), bytes.Repeat([]byte{'x'}, testMaxStreamSize))
	r := bufio.NewReader(bytes.NewReader(body))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, instreamSizeExceededReply, result.Reply)
}

func TestRunInstreamTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"no data at all", nil},
		{"partial length header", []byte{0, 0}},
		{"payload shorter than declared", append([]byte{0, 0, 0, 10}, 'a', 'b')},
		{"missing terminator", instreamBody([]byte("data"))[:10]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader(tt.input))
			result, err := runInstream(r, testMaxStreamSize)
			assert.Error(t, err)
			assert.Nil(t, result)
		})
	}
}

func TestRunInstreamZipPayload(t *testing.T) {
	data := buildZip(t, [2][]byte{[]byte("eicar.com"), eicarPattern()})
	r := bufio.NewReader(bytes.NewReader(instreamBody(data)))

	result, err := runInstream(r, testMaxStreamSize)
	require.NoError(t, err)
	assert.Equal(t, "stream: Win.Test.EICAR_HDB-1 FOUND", result.Reply)
}

func TestRunInstreamDeclaredLengthDoesNotAllocate(t *testing.T) {
	// A huge declared length with a truncated payload must fail the read,
	// not exhaust memory
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 0xFFFFFFF0)
	input := append(header[:], []byte("tiny")...)

	r := bufio.NewReader(bytes.NewReader(input))
	result, err := runInstream(r, testMaxStreamSize)
	assert.Error(t, err)
	assert.Nil(t, result)
}
