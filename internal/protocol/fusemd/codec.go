package fusemd

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Frame layout: every message is prefixed by "[XXXXXXXX]" where X..X is the
// 8-hex-digit length of the serialised payload. The same framing is used for
// single responses and for the container stream of a large LS.

const headerLen = 10

// Header renders the frame prefix for a payload of n bytes.
func Header(n int) string {
	return fmt.Sprintf("[%08x]", n)
}

// Encode serialises a message.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserialises a message into out (a pointer).
func Decode(data []byte, out any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), out); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// Frame serialises a message and prepends the length header.
func Frame(v any) ([]byte, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, Header(len(payload))...)
	out = append(out, payload...)
	return out, nil
}

// FrameResponse frames a Response message.
func FrameResponse(rsp *Response) ([]byte, error) {
	return Frame(rsp)
}

// ReadFrame reads one framed payload from r. It returns io.EOF untouched on
// a clean end of stream before the header.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if hdr[0] != '[' || hdr[headerLen-1] != ']' {
		return nil, fmt.Errorf("malformed frame header %q", string(hdr[:]))
	}
	n, err := strconv.ParseUint(string(hdr[1:headerLen-1]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed frame length %q: %w", string(hdr[:]), err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// SplitFrames decodes a concatenation of frames, as produced by a streamed
// listing, into the individual payloads.
func SplitFrames(data []byte) ([][]byte, error) {
	var out [][]byte
	r := bytes.NewReader(data)
	for {
		payload, err := ReadFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
}
