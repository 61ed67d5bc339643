package wire_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"toolbridge/internal/fault"
	"toolbridge/internal/wire"
)

// chunkReader feeds the decoder a few bytes at a time to exercise partial
// record buffering across reads.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := wire.NewRequest(7, "search.query", json.RawMessage(`{"text":"goblin"}`))
	raw, err := wire.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(raw, []byte("\n")) {
		t.Fatal("encoded frame must be newline terminated")
	}

	dec := wire.NewDecoder(bytes.NewReader(raw))
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Kind() != wire.KindRequest {
		t.Fatalf("kind = %v, want request", got.Kind())
	}
	if got.ID == nil || *got.ID != 7 || got.Method != "search.query" {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected EOF after single frame, got %v", err)
	}
}

func TestEncodeRejectsInvalidFrame(t *testing.T) {
	if _, err := wire.Encode(&wire.Frame{JSONRPC: wire.Version}); err == nil {
		t.Fatal("expected error encoding empty frame")
	}
}

func TestDecodeAcrossReadBoundaries(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 5; i++ {
		raw, err := wire.Encode(wire.NewResponse(i, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		buf.Write(raw)
	}

	dec := wire.NewDecoder(&chunkReader{data: buf.Bytes(), size: 3})
	for i := uint64(1); i <= 5; i++ {
		f, err := dec.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if f.ID == nil || *f.ID != i {
			t.Fatalf("frame %d decoded out of order: %+v", i, f)
		}
	}
}

func TestDecodeMalformedLineResynchronizes(t *testing.T) {
	good, err := wire.Encode(wire.NewNotification("status.changed", json.RawMessage(`{"state":"running"}`)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	stream := "this is not json\n" + string(good)

	dec := wire.NewDecoder(strings.NewReader(stream))
	_, err = dec.Next()
	var perr *wire.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if !errors.Is(err, fault.ErrProtocol) {
		t.Fatalf("protocol error should unwrap to fault.ErrProtocol, got %v", err)
	}

	f, err := dec.Next()
	if err != nil {
		t.Fatalf("decoder did not recover after malformed line: %v", err)
	}
	if f.Method != "status.changed" {
		t.Fatalf("unexpected frame after resync: %+v", f)
	}
}

func TestDecodeValidJSONInvalidFrame(t *testing.T) {
	dec := wire.NewDecoder(strings.NewReader(`{"jsonrpc":"2.0"}` + "\n"))
	_, err := dec.Next()
	var perr *wire.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for unclassifiable frame, got %v", err)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	raw, err := wire.Encode(wire.NewResponse(1, json.RawMessage(`true`)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := wire.NewDecoder(strings.NewReader("\n\n" + string(raw)))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Kind() != wire.KindResponse {
		t.Fatalf("kind = %v, want response", f.Kind())
	}
}

func TestDecodeLargePayload(t *testing.T) {
	// Larger than the decoder's internal bufio buffer, well under the cap.
	big := strings.Repeat("x", 256<<10)
	raw, err := wire.Encode(wire.NewResponse(9, json.RawMessage(`"`+big+`"`)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := wire.NewDecoder(bytes.NewReader(raw))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil || len(s) != len(big) {
		t.Fatalf("payload corrupted: err=%v len=%d", err, len(s))
	}
}

func TestFrameKinds(t *testing.T) {
	id := uint64(3)
	cases := []struct {
		frame *wire.Frame
		want  wire.Kind
	}{
		{wire.NewRequest(1, "m", nil), wire.KindRequest},
		{wire.NewNotification("m", nil), wire.KindNotification},
		{wire.NewResponse(2, json.RawMessage(`{}`)), wire.KindResponse},
		{&wire.Frame{JSONRPC: wire.Version, ID: &id, Error: &wire.ErrorObject{Code: -1, Message: "boom"}}, wire.KindResponse},
		{&wire.Frame{JSONRPC: wire.Version, ID: &id}, wire.KindInvalid},
	}
	for i, tc := range cases {
		if got := tc.frame.Kind(); got != tc.want {
			t.Errorf("case %d: kind = %v, want %v", i, got, tc.want)
		}
	}
}
