package protocol

import (
	"fmt"
	"io"
)

// Verdict is the single-byte driver decision sent per block.
type Verdict byte

const (
	Same Verdict = '0'
	Diff Verdict = '1'
)

// WriteDigest writes a block's raw digest bytes (Agent -> Driver).
func WriteDigest(w io.Writer, digest []byte) error {
	if _, err := w.Write(digest); err != nil {
		return fmt.Errorf("protocol: writing digest: %w", err)
	}
	return nil
}

// ReadDigest reads exactly size raw digest bytes (Agent -> Driver).
func ReadDigest(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: reading digest: %w", err)
	}
	return buf, nil
}

// WriteVerdict writes the single-byte SAME/DIFF decision (Driver -> Agent).
func WriteVerdict(w io.Writer, v Verdict) error {
	if _, err := w.Write([]byte{byte(v)}); err != nil {
		return fmt.Errorf("protocol: writing verdict: %w", err)
	}
	return nil
}

// ReadVerdict reads the single-byte SAME/DIFF decision (Driver -> Agent).
func ReadVerdict(r io.Reader) (Verdict, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("protocol: reading verdict: %w", err)
	}
	v := Verdict(buf[0])
	if v != Same && v != Diff {
		return 0, fmt.Errorf("protocol: unexpected verdict byte %q", buf[0])
	}
	return v, nil
}

// WritePayload writes a replacement block's raw bytes (Driver -> Agent, on DIFF).
func WritePayload(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: writing payload: %w", err)
	}
	return nil
}

// ReadPayload reads exactly size raw payload bytes (Driver -> Agent, on DIFF).
// size is the length of the block just hashed, so the agent never needs a
// length prefix even for a short final block (§4.2 "Endianness and alignment").
func ReadPayload(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: reading payload: %w", err)
	}
	return buf, nil
}
