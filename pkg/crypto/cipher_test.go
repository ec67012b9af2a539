package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("passphrase", "session")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal([]byte(`{"jwt":"abc"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("abc")) {
		t.Fatalf("plaintext leaked into ciphertext")
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != `{"jwt":"abc"}` {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealerLabelsDeriveDistinctKeys(t *testing.T) {
	a, _ := NewSealer("passphrase", "session")
	b, _ := NewSealer("passphrase", "run_state")
	sealed, err := a.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected open with a different label to fail")
	}
}

func TestSealerRejectsShortPayload(t *testing.T) {
	s, _ := NewSealer("k", "session")
	if _, err := s.Open([]byte{1, 2}); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}
