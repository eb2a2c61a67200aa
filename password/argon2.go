package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithm = "argon2id"

	// MinSecretBytes and MaxSecretBytes bound the raw secret. They match the
	// sign-in input validation.
	MinSecretBytes = 6
	MaxSecretBytes = 72

	minMemoryKiB  = 8 * 1024
	minSaltLength = 16
	minKeyLength  = 16
)

var (
	// ErrMalformedHash is returned for anything that is not an argon2id PHC
	// string this package can verify.
	ErrMalformedHash = errors.New("malformed password hash")
	// ErrSecretLength is returned by Hash for secrets outside
	// [MinSecretBytes, MaxSecretBytes].
	ErrSecretLength = errors.New("secret length out of range")
)

// Config holds Argon2id cost parameters.
type Config struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns the recommended interactive-login parameters.
func DefaultConfig() Config {
	return Config{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate rejects parameters below the supported floor.
func (c Config) Validate() error {
	switch {
	case c.MemoryKiB < minMemoryKiB:
		return fmt.Errorf("password: memory must be >= %d KiB", minMemoryKiB)
	case c.Iterations < 1:
		return errors.New("password: iterations must be >= 1")
	case c.Parallelism < 1:
		return errors.New("password: parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return fmt.Errorf("password: salt length must be >= %d", minSaltLength)
	case c.KeyLength < minKeyLength:
		return fmt.Errorf("password: key length must be >= %d", minKeyLength)
	}
	return nil
}

// Hasher is safe for concurrent use.
type Hasher struct {
	cfg Config
}

func New(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg}, nil
}

// Hash derives a fresh salted hash of secret. The secret bytes are used as
// given, without normalization.
func (h *Hasher) Hash(secret string) (string, error) {
	if len(secret) < MinSecretBytes || len(secret) > MaxSecretBytes {
		return "", ErrSecretLength
	}

	salt := make([]byte, h.cfg.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}
	p := params{
		memory:      h.cfg.MemoryKiB,
		iterations:  h.cfg.Iterations,
		parallelism: h.cfg.Parallelism,
		salt:        salt,
	}
	p.key = p.derive(secret, h.cfg.KeyLength)
	return p.encode(), nil
}

// Verify reports whether secret matches encoded. Oversized secrets never
// match and are not hashed.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	if len(secret) > MaxSecretBytes {
		return false, nil
	}
	got := p.derive(secret, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(got, p.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker or different
// parameters than the hasher's.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	return p.memory < h.cfg.MemoryKiB ||
		p.iterations < h.cfg.Iterations ||
		p.parallelism < h.cfg.Parallelism ||
		uint32(len(p.key)) != h.cfg.KeyLength, nil
}

type params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p params) derive(secret string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(secret), p.salt, p.iterations, p.memory, p.parallelism, keyLen)
}

func (p params) encode() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm, argon2.Version, p.memory, p.iterations, p.parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

func decode(encoded string) (params, error) {
	var p params

	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != algorithm {
		return p, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, fmt.Errorf("%w: unsupported version", ErrMalformedHash)
	}

	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	// Sscanf stops at the last verb; reject trailing garbage.
	cost := fmt.Sprintf("m=%d,t=%d,p=%d", p.memory, p.iterations, p.parallelism)
	if cost != fields[3] || p.memory < minMemoryKiB || p.iterations < 1 || p.parallelism < 1 {
		return p, fmt.Errorf("%w: bad cost parameters", ErrMalformedHash)
	}

	b64 := base64.RawStdEncoding
	var err error
	if p.salt, err = b64.DecodeString(fields[4]); err != nil || len(p.salt) < minSaltLength {
		return p, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if p.key, err = b64.DecodeString(fields[5]); err != nil || len(p.key) < minKeyLength {
		return p, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}
	return p, nil
}
