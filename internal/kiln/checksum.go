package kiln

import (
	"crypto/md5"
	"crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"
)

// Checksum is a parsed "algorithm:hex" source checksum.
type Checksum struct {
	Algorithm string
	Hex       string
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Hex
}

// legacy algorithms go-digest does not register
var legacyHashes = map[string]struct {
	size int
	new  func() hash.Hash
}{
	"md5":    {md5.Size, md5.New},
	"sha1":   {sha1.Size, sha1.New},
	"blake3": {32, func() hash.Hash { return blake3.New(32, nil) }},
}

// ParseChecksum accepts "algorithm:hex" or a bare hex string whose length
// identifies the algorithm (32 md5, 40 sha1, 64 sha256, 96 sha384, 128 sha512).
func ParseChecksum(s string) (Checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	algo, encoded, found := strings.Cut(s, ":")
	if !found {
		encoded = algo
		switch len(encoded) {
		case 32:
			algo = "md5"
		case 40:
			algo = "sha1"
		case 64:
			algo = string(digest.SHA256)
		case 96:
			algo = string(digest.SHA384)
		case 128:
			algo = string(digest.SHA512)
		default:
			return Checksum{}, fmt.Errorf("cannot infer algorithm for checksum %q", s)
		}
	}

	if legacy, ok := legacyHashes[algo]; ok {
		raw, err := hex.DecodeString(encoded)
		if err != nil || len(raw) != legacy.size {
			return Checksum{}, fmt.Errorf("invalid %s checksum %q", algo, encoded)
		}
		return Checksum{Algorithm: algo, Hex: encoded}, nil
	}

	d, err := digest.Parse(algo + ":" + encoded)
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return Checksum{Algorithm: string(d.Algorithm()), Hex: d.Encoded()}, nil
}

// verifier returns a writer that reports whether everything written to it
// hashes to c.
func (c Checksum) verifier() digest.Verifier {
	if legacy, ok := legacyHashes[c.Algorithm]; ok {
		return &hashVerifier{Hash: legacy.new(), want: c.Hex}
	}
	return digest.NewDigestFromEncoded(digest.Algorithm(c.Algorithm), c.Hex).Verifier()
}

type hashVerifier struct {
	hash.Hash
	want string
}

func (v *hashVerifier) Verified() bool {
	return hex.EncodeToString(v.Sum(nil)) == v.want
}

// VerifyFile hashes path and fails with ErrChecksumMismatch when it does not
// match c.
func (c Checksum) VerifyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	v := c.verifier()
	if _, err := io.Copy(v, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if !v.Verified() {
		got, _ := ComputeChecksum(path, c.Algorithm)
		return fmt.Errorf("%w: %s: want %s, got %s", ErrChecksumMismatch, path, c, got)
	}
	return nil
}

// ComputeChecksum hashes path with the named algorithm.
func ComputeChecksum(path, algorithm string) (Checksum, error) {
	var h hash.Hash
	if legacy, ok := legacyHashes[algorithm]; ok {
		h = legacy.new()
	} else {
		algo := digest.Algorithm(algorithm)
		if !algo.Available() {
			return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
		}
		h = algo.Hash()
	}

	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return Checksum{}, err
	}
	return Checksum{Algorithm: algorithm, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}
