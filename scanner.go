package main

import (
	"archive/zip"
	"bytes"
	"io"
)

// Signature names reported by the detector. The exact and container matches
// use the name current ClamAV databases assign to the EICAR test file; the
// padded variant keeps the legacy name older engines report.
const (
	eicarSignatureName       = "Win.Test.EICAR_HDB-1"
	eicarLegacySignatureName = "Eicar-Signature"
)

// maxEicarPadding is the number of trailing whitespace-ish bytes the EICAR
// specification allows after the literal.
const maxEicarPadding = 60

// flatScanWindow is the number of bytes worth keeping for a non-container
// payload: the 68-byte EICAR literal, its 60-byte padding window, and one
// byte of headroom so over-long flat payloads are distinguishable.
const flatScanWindow = 128

// Container magics checked before any structural parsing
var (
	zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}
)

// EICAR test pattern as character codes so the repository itself never
// contains the raw string and does not trip antivirus scanners.
// https://en.wikipedia.org/wiki/EICAR_test_file
var eicarCodes = []byte{
	88, 53, 79, 33, 80, 37, 64, 65, 80, 91, 52, 92, 80, 90, 88, 53,
	52, 40, 80, 94, 41, 55, 67, 67, 41, 55, 125, 36, 69, 73, 67, 65,
	82, 45, 83, 84, 65, 78, 68, 65, 82, 68, 45, 65, 78, 84, 73, 86,
	73, 82, 85, 83, 45, 84, 69, 83, 84, 45, 70, 73, 76, 69, 33, 36,
	72, 43, 72, 42,
}

// eicarPattern returns the 68-byte EICAR literal
func eicarPattern() []byte {
	return append([]byte(nil), eicarCodes...)
}

// Detection is the outcome of scanning one buffer
type Detection struct {
	Infected  bool
	Signature string
}

// scanBuffer is an append-only byte sink with a content-dependent capacity
// policy and a memoized detector. One fresh instance is created per INSTREAM
// invocation, and recursively one per zip entry during container inspection.
type scanBuffer struct {
	max     int64
	data    []byte
	scanned bool
	verdict Detection
}

func newScanBuffer(max int64) *scanBuffer {
	return &scanBuffer{max: max}
}

// Write appends p, subject to the capacity policy evaluated against the
// buffer's current contents:
//
//   - up to flatScanWindow bytes everything is kept;
//   - beyond that only container payloads (zip or OLE magic prefix) keep
//     accumulating, clipped at the configured maximum;
//   - anything else is silently dropped.
//
// Dropped bytes still count as written, so upstream accounting (and
// io.Copy callers) never see a short write.
func (b *scanBuffer) Write(p []byte) (int, error) {
	if b.accepts() {
		room := b.max - int64(len(b.data))
		if room > 0 {
			if int64(len(p)) > room {
				b.data = append(b.data, p[:room]...)
			} else {
				b.data = append(b.data, p...)
			}
		}
	}
	return len(p), nil
}

// accepts reports whether the buffer takes more data given what it already
// holds. Content beyond the flat window is only relevant when the buffer is
// a container that detection will open up.
func (b *scanBuffer) accepts() bool {
	if len(b.data) <= flatScanWindow {
		return true
	}
	return bytes.HasPrefix(b.data, zipMagic) || bytes.HasPrefix(b.data, oleMagic)
}

// Len returns the number of bytes currently buffered
func (b *scanBuffer) Len() int {
	return len(b.data)
}

// Detect scans the buffered bytes. The verdict is computed once and cached,
// so repeated queries are idempotent.
func (b *scanBuffer) Detect() Detection {
	if !b.scanned {
		b.verdict = b.scan()
		b.scanned = true
	}
	return b.verdict
}

// scan applies the detection heuristics in precedence order: zip container,
// OLE container, exact EICAR literal, padded legacy EICAR.
func (b *scanBuffer) scan() Detection {
	switch {
	case bytes.HasPrefix(b.data, zipMagic):
		return b.scanZip()
	case bytes.HasPrefix(b.data, oleMagic):
		// No structural OLE parsing: embedded streams store the literal
		// uncompressed, so a raw substring search is enough.
		if bytes.Contains(b.data, eicarPattern()) {
			return Detection{Infected: true, Signature: eicarSignatureName}
		}
		return Detection{}
	case bytes.Equal(b.data, eicarPattern()):
		return Detection{Infected: true, Signature: eicarSignatureName}
	case matchesPaddedEicar(b.data):
		return Detection{Infected: true, Signature: eicarLegacySignatureName}
	}
	return Detection{}
}

// scanZip opens the buffer as a zip archive and recursively scans each
// entry through a fresh scanBuffer. A corrupt archive is reported Clean;
// parse failures never surface to the protocol layer.
func (b *scanBuffer) scanZip() Detection {
	zr, err := zip.NewReader(bytes.NewReader(b.data), int64(len(b.data)))
	if err != nil {
		return Detection{}
	}
	for _, f := range zr.File {
		if f.UncompressedSize64 > uint64(b.max) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Detection{}
		}
		entry := newScanBuffer(b.max)
		_, err = io.Copy(entry, rc)
		rc.Close()
		if err != nil {
			return Detection{}
		}
		if d := entry.Detect(); d.Infected {
			return d
		}
	}
	return Detection{}
}

// matchesPaddedEicar reports whether data is the EICAR literal followed by
// 0-60 trailing characters drawn from {space, tab, LF, CR, 0x1A}.
func matchesPaddedEicar(data []byte) bool {
	sig := eicarPattern()
	if len(data) < len(sig) || len(data) > len(sig)+maxEicarPadding {
		return false
	}
	if !bytes.Equal(data[:len(sig)], sig) {
		return false
	}
	for _, c := range data[len(sig):] {
		switch c {
		case ' ', '\t', '\n', '\r', 0x1A:
		default:
			return false
		}
	}
	return true
}
