package acquire

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Digest is a parsed "<algo>:<hex>" integrity hint.
type Digest struct {
	Algorithm string
	Hex       string
}

// ParseDigest parses hint. An empty hint yields a zero Digest and no error.
func ParseDigest(hint string) (Digest, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return Digest{}, nil
	}
	algo, sum, ok := strings.Cut(hint, ":")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q", ErrUnsupportedDigest, hint)
	}
	d := Digest{Algorithm: strings.ToLower(strings.TrimSpace(algo)), Hex: strings.ToLower(strings.TrimSpace(sum))}
	if _, err := d.newHash(); err != nil {
		return Digest{}, err
	}
	if _, err := hex.DecodeString(d.Hex); err != nil || d.Hex == "" {
		return Digest{}, fmt.Errorf("invalid %s digest %q", d.Algorithm, sum)
	}
	return d, nil
}

// IsZero reports whether no digest was requested.
func (d Digest) IsZero() bool { return d.Algorithm == "" }

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Algorithm + ":" + d.Hex
}

func (d Digest) newHash() (hash.Hash, error) {
	switch d.Algorithm {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, d.Algorithm)
	}
}

func (d Digest) check(h hash.Hash) error {
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != d.Hex {
		return &IntegrityError{Algorithm: d.Algorithm, Expected: d.Hex, Actual: actual}
	}
	return nil
}

// Verify hashes the file at path against hint. On mismatch the file is
// removed and an *IntegrityError returned. An empty hint always passes.
func Verify(path, hint string) error {
	d, err := ParseDigest(hint)
	if err != nil || d.IsZero() {
		return err
	}
	h, _ := d.newHash()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if err := d.check(h); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
