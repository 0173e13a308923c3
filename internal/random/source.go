// Package random produces the salts, device keys and session tokens used by
// the security core. It never fails: when the platform generator is broken
// it falls back to a weaker generator and reports the downgrade.
package random

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	mrand "math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"app-security/internal/util"
)

// Assurance tells callers how much to trust generated bytes.
type Assurance int

const (
	AssuranceStrong Assurance = iota
	// AssuranceWeak marks output of the timestamp-seeded fallback generator.
	AssuranceWeak
)

func (a Assurance) String() string {
	if a == AssuranceWeak {
		return "weak"
	}
	return "strong"
}

// Source wraps the platform CSPRNG with a best-effort fallback.
type Source struct {
	reader io.Reader
	logger *zap.Logger

	fallbackOnce sync.Once
	fallbackMu   sync.Mutex
	fallback     *mrand.ChaCha8
	counter      uint64

	weakCount atomic.Int64
	onWeak    func()
}

// NewSource returns a Source reading from crypto/rand.
func NewSource(logger *zap.Logger) *Source {
	return NewSourceFromReader(rand.Reader, logger)
}

// NewSourceFromReader lets tests substitute the primary generator.
func NewSourceFromReader(r io.Reader, logger *zap.Logger) *Source {
	return &Source{reader: r, logger: util.OrNop(logger)}
}

// OnWeak registers a hook fired every time the fallback generator is used.
func (s *Source) OnWeak(fn func()) {
	s.onWeak = fn
}

// Bytes returns n random bytes and the assurance level they were produced at.
func (s *Source) Bytes(n int) ([]byte, Assurance) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, AssuranceStrong
	}
	_, err := io.ReadFull(s.reader, buf)
	if err == nil {
		return buf, AssuranceStrong
	}
	s.logger.Warn("Platform RNG failed, using fallback generator",
		zap.Error(err),
		zap.Int("bytes", n),
		util.Degraded(),
	)

	s.fillWeak(buf)
	s.weakCount.Add(1)
	if s.onWeak != nil {
		s.onWeak()
	}
	return buf, AssuranceWeak
}

// Hex returns 2n hex characters built from n random bytes.
func (s *Source) Hex(n int) (string, Assurance) {
	b, a := s.Bytes(n)
	return hex.EncodeToString(b), a
}

// WeakCount reports how many calls were served by the fallback generator.
func (s *Source) WeakCount() int64 {
	return s.weakCount.Load()
}

func (s *Source) fillWeak(buf []byte) {
	s.fallbackOnce.Do(func() {
		s.fallback = mrand.NewChaCha8(ambientSeed())
	})

	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	// Mix a fresh timestamp into every draw so two processes seeded in the
	// same nanosecond still diverge after the first call.
	s.counter++
	var mix [16]byte
	binary.LittleEndian.PutUint64(mix[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(mix[8:], s.counter)
	_, _ = s.fallback.Read(buf)
	for i := range buf {
		buf[i] ^= mix[i%len(mix)]
	}
}

func ambientSeed() [32]byte {
	h := sha256.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	h.Write(b[:])
	binary.LittleEndian.PutUint64(b[:], uint64(os.Getpid()))
	h.Write(b[:])
	if host, err := os.Hostname(); err == nil {
		h.Write([]byte(host))
	}
	// Address of a fresh heap allocation adds a little ASLR entropy.
	marker := new(int)
	binary.LittleEndian.PutUint64(b[:], uint64(uintptr(unsafe.Pointer(marker))))
	h.Write(b[:])
	binary.LittleEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	h.Write(b[:])

	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}
