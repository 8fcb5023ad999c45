package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format: [u32 len][u8 type][u64 frame][u8 fromLen][from][payload].
// The length prefix covers everything after itself; the payload is opaque.

const maxWireFrame = 64 * 1024 * 1024

// Encode serializes a message into its framed wire representation.
func Encode(msg Message) ([]byte, error) {
	if len(msg.From) > 255 {
		return nil, fmt.Errorf("transport: sender name too long: %d bytes", len(msg.From))
	}
	body := 1 + 8 + 1 + len(msg.From) + len(msg.Payload)
	if body > maxWireFrame {
		return nil, fmt.Errorf("transport: frame too large: %d bytes", body)
	}

	var buf bytes.Buffer
	buf.Grow(4 + body)
	if err := binary.Write(&buf, binary.BigEndian, uint32(body)); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(msg.Type))
	if err := binary.Write(&buf, binary.BigEndian, msg.Frame); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(len(msg.From)))
	buf.WriteString(msg.From)
	buf.Write(msg.Payload)
	return buf.Bytes(), nil
}

// Decode reads one framed message from the reader.
func Decode(r *bufio.Reader) (Message, error) {
	var msg Message
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return msg, err
	}
	if n < 10 {
		return msg, fmt.Errorf("transport: short frame: %d bytes", n)
	}
	if n > maxWireFrame {
		return msg, fmt.Errorf("transport: frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return msg, err
	}

	msg.Type = MessageType(buf[0])
	msg.Frame = binary.BigEndian.Uint64(buf[1:9])
	fromLen := int(buf[9])
	if 10+fromLen > len(buf) {
		return msg, fmt.Errorf("transport: sender name overruns frame")
	}
	msg.From = string(buf[10 : 10+fromLen])
	if payload := buf[10+fromLen:]; len(payload) > 0 {
		msg.Payload = payload
	}
	return msg, nil
}
