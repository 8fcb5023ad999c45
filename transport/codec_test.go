package transport

import (
	"bufio"
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	specs := []Message{
		{Type: SyncData, Frame: 42, From: "master", Payload: []byte(`{"time":1.5}`)},
		{Type: SyncAck, Frame: 42, From: "client-1"},
		{Type: Ready, Frame: 7, From: "client-2"},
		{Type: Connected, From: "client-1"},
		{Type: Release, Frame: 1<<63 + 9, From: "m"},
	}

	for index, want := range specs {
		frame, err := Encode(want)
		if err != nil {
			t.Fatalf("[spec %d] encode failed: %v", index, err)
		}

		got, err := Decode(bufio.NewReader(bytes.NewReader(frame)))
		if err != nil {
			t.Fatalf("[spec %d] decode failed: %v", index, err)
		}

		if got.Type != want.Type || got.Frame != want.Frame || got.From != want.From {
			t.Fatalf("[spec %d] expected %+v; got %+v", index, want, got)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("[spec %d] payload mismatch: expected %q; got %q", index, want.Payload, got.Payload)
		}
	}
}

func TestCodecStreamPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 10; i++ {
		frame, err := Encode(Message{Type: SyncData, Frame: uint64(i), From: "m"})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		buf.Write(frame)
	}

	r := bufio.NewReader(&buf)
	for i := 0; i < 10; i++ {
		msg, err := Decode(r)
		if err != nil {
			t.Fatalf("decode %d failed: %v", i, err)
		}
		if msg.Frame != uint64(i) {
			t.Fatalf("expected frame %d; got %d", i, msg.Frame)
		}
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	// Length prefix claims 4 bytes, below the fixed header size.
	raw := []byte{0, 0, 0, 4, 1, 2, 3, 4}
	if _, err := Decode(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("expected short frame to be rejected")
	}
}
