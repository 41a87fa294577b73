package network

import (
	"bytes"
	"errors"
	"testing"

	"blockcast/transfer"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","from_peer_id":"a","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestBlockFrameCarriesTransferMessage(t *testing.T) {
	msg := &transfer.Message{
		Type:           transfer.TypeTransfer,
		SenderName:     "Alice",
		SenderID:       "alice",
		TransactionKey: "k1",
		FileName:       "a.txt",
		TotalBlocks:    1,
		BlockSize:      1024,
		FileSize:       3,
		BlockNum:       0,
		Caption:        "hi",
		Payload:        []byte("abc"),
	}

	payload, err := EncodeBlock(msg)
	if err != nil {
		t.Fatalf("EncodeBlock failed: %v", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil || msgType != TypeBlock {
		t.Fatalf("expected block frame type, got %q (%v)", msgType, err)
	}

	got, err := DecodeBlock(payload)
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}
	if got.TransactionKey != "k1" || got.Caption != "hi" || !bytes.Equal(got.Payload, []byte("abc")) {
		t.Fatalf("unexpected decoded message: %+v", got)
	}
}

func TestDecodeBlockRejectsOtherFrames(t *testing.T) {
	payload, err := EncodeJSON(PingMessage{Type: TypePing, FromPeerID: "a"})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if _, err := DecodeBlock(payload); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`{}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType for empty type, got %v", err)
	}
}
