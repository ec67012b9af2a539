package acquire

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zeebo/blake3"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		for off := 0; off < len(data); off += 1000 {
			end := off + 1000
			if end > len(data) {
				end = len(data)
			}
			w.Write(data[off:end])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReportsMonotonicProgressEndingAt100(t *testing.T) {
	data := payload(250_000)
	srv := serveBytes(t, data)
	dest := filepath.Join(t.TempDir(), "game.zip")

	var seen []int
	res, err := New().Fetch(context.Background(), srv.URL+"/pkg.zip", dest, func(p int) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Bytes != int64(len(data)) {
		t.Fatalf("bytes = %d", res.Bytes)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, data) {
		t.Fatalf("file content mismatch")
	}
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", seen)
	}
	hundreds := 0
	for i, p := range seen {
		if i > 0 && p <= seen[i-1] {
			t.Fatalf("progress not strictly increasing: %v", seen)
		}
		if p == 100 {
			hundreds++
		}
	}
	if hundreds != 1 {
		t.Fatalf("100 reported %d times", hundreds)
	}
}

func TestFetchUnknownLengthSkipsProgress(t *testing.T) {
	data := payload(10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data[:5000])
		w.(http.Flusher).Flush()
		w.Write(data[5000:])
	}))
	defer srv.Close()

	calls := 0
	_, err := New().Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), func(int) { calls++ })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no progress callbacks for unknown length, got %d", calls)
	}
}

func TestFetchNon2xxIsTransferError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	dest := filepath.Join(t.TempDir(), "game.zip")

	_, err := New().Fetch(context.Background(), srv.URL, dest, nil)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	if te.StatusCode != http.StatusNotFound || te.Message != "Not Found" {
		t.Fatalf("unexpected transfer error %+v", te)
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("destination must not exist after a failed transfer")
	}
}

func TestFetchIdleReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2000")
		w.Write(payload(1000))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	dest := filepath.Join(t.TempDir(), "slow.zip")

	start := time.Now()
	_, err := New(WithTimeouts(time.Second, 100*time.Millisecond)).Fetch(context.Background(), srv.URL, dest, nil)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took too long")
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("partial file must be removed")
	}
}

func TestFetchChecksum(t *testing.T) {
	data := payload(4096)
	srv := serveBytes(t, data)
	sum := sha256.Sum256(data)
	b3 := blake3.Sum256(data)

	for _, hint := range []string{"sha256:" + hex.EncodeToString(sum[:]), "blake3:" + hex.EncodeToString(b3[:])} {
		res, err := New().Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "ok.zip"), nil, WithChecksum(hint))
		if err != nil {
			t.Fatalf("fetch with %s: %v", hint, err)
		}
		if res.Digest != hint {
			t.Fatalf("digest = %q want %q", res.Digest, hint)
		}
	}

	dest := filepath.Join(t.TempDir(), "bad.zip")
	_, err := New().Fetch(context.Background(), srv.URL, dest, nil, WithChecksum("sha256:"+hex.EncodeToString(make([]byte, 32))))
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("mismatched file must be removed")
	}
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, []byte("hello"), 0o600)
	if err := Verify(path, "md5:5d41402abc4b2a76b9719d911017c592"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(path, ""); err != nil {
		t.Fatalf("empty hint must pass: %v", err)
	}
	if err := Verify(path, "crc32:00"); !errors.Is(err, ErrUnsupportedDigest) {
		t.Fatalf("expected ErrUnsupportedDigest, got %v", err)
	}
	var ie *IntegrityError
	if err := Verify(path, "md5:00000000000000000000000000000000"); !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("mismatched file must be removed")
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	_, err := New().Fetch(context.Background(), "ftp://x/pkg.zip", filepath.Join(t.TempDir(), "x"), nil)
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

type fakeObjects struct {
	data   []byte
	bucket string
	key    string
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(f.data)),
		ContentLength: aws.Int64(int64(len(f.data))),
	}, nil
}

func TestFetchS3(t *testing.T) {
	objects := &fakeObjects{data: payload(3000)}
	var last int
	res, err := New(WithObjectStore(objects)).Fetch(context.Background(), "s3://builds/go/b1.zip", filepath.Join(t.TempDir(), "b1.zip"), func(p int) { last = p })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if objects.bucket != "builds" || objects.key != "go/b1.zip" {
		t.Fatalf("unexpected object ref %s/%s", objects.bucket, objects.key)
	}
	if res.Bytes != 3000 || last != 100 {
		t.Fatalf("unexpected result %+v last=%d", res, last)
	}
}
