package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSumIsStable(t *testing.T) {
	data := []byte("block transfer payload")

	first := Sum(data)
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	if Sum(data) != first {
		t.Fatalf("expected stable digest")
	}

	fromReader, err := SumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SumReader failed: %v", err)
	}
	if fromReader != first {
		t.Fatalf("expected reader digest %q, got %q", first, fromReader)
	}
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	if err := Verify(data, Sum(data)); err != nil {
		t.Fatalf("expected digest to verify: %v", err)
	}
	if err := Verify(data, strings.ToUpper(Sum(data))); err != nil {
		t.Fatalf("expected uppercase digest to verify: %v", err)
	}
	if err := Verify(data, ""); err != nil {
		t.Fatalf("expected empty digest to pass: %v", err)
	}

	tampered := []byte("paylaod")
	err := Verify(tampered, Sum(data))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestShortDigest(t *testing.T) {
	if got := ShortDigest("abc"); got != "abc" {
		t.Fatalf("expected short input unchanged, got %q", got)
	}
	if got := ShortDigest(Sum(nil)); len(got) != 12 {
		t.Fatalf("expected 12 chars, got %q", got)
	}
}
