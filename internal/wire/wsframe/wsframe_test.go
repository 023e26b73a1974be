package wsframe

import (
	"bytes"
	"testing"
)

func TestWriteFrameMasksPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteFrame(&buf, OpBinary, true, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	b := buf.Bytes()
	if b[0] != 0x80|OpBinary {
		t.Fatalf("expected FIN+BINARY first byte, got %02x", b[0])
	}
	if b[1]&0x80 == 0 {
		t.Fatalf("expected mask bit set")
	}
	if b[1]&0x7F != byte(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), b[1]&0x7F)
	}
}

func TestWriteReadFrameRoundtrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", []byte("hi")},
		{"boundary-126", bytes.Repeat([]byte{'x'}, 126)},
		{"extended-64", bytes.Repeat([]byte{'y'}, 70000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, OpBinary, true, tt.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			frame, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !frame.Fin || frame.Opcode != OpBinary {
				t.Fatalf("got fin=%v opcode=%d", frame.Fin, frame.Opcode)
			}
			if !bytes.Equal(frame.Payload, tt.payload) {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(frame.Payload), len(tt.payload))
			}
		})
	}
}

func TestReadFrameRejectsText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, OpText, true, []byte("hi")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, err := ReadFrame(&buf)
	if err != ErrTextFrame {
		t.Fatalf("expected ErrTextFrame, got %v", err)
	}
}

func TestReadFrameUnmasksServerFrame(t *testing.T) {
	// Build a masked frame with WriteFrame to confirm ReadFrame tolerates masked
	// input even though RFC 6455 servers should not mask.
	var buf bytes.Buffer
	if err := WriteFrame(&buf, OpPing, true, []byte("ping")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Opcode != OpPing || string(frame.Payload) != "ping" {
		t.Fatalf("got %+v", frame)
	}
}
