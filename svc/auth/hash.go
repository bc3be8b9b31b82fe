package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"snipserve/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	MaxPasswordLength  = 1024
	defaultVerifyFloor = 350 * time.Millisecond
	dummyHash          = "$argon2id$v=19$m=65536,t=1,p=1$ZHVtbXlzYWx0$ZHVtbXloYXNo"
)

var (
	ErrHasherStopped   = errors.New("hasher is shutting down")
	ErrHasherNotStart  = errors.New("hasher not started")
	ErrPasswordTooLong = errors.New("password too long")
	ErrHashQueueFull   = errors.New("hash queue full")
)

type HasherOpts struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	Pepper      []byte
	// VerifyFloor is the minimum wall time of Verify. Zero means 350ms.
	VerifyFloor time.Duration
	QueueSize   int
}

// Hasher produces peppered argon2id PHC strings on a fixed worker pool and
// verifies both argon2id and legacy bcrypt hashes.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	verifyFloor time.Duration
	pepper      []byte
	mu          sync.RWMutex
	jobs        chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}

type hashJob struct {
	password []byte
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

func NewHasher(o HasherOpts) (*Hasher, error) {
	if len(o.Pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if o.Time == 0 || o.Time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if o.Memory < 1024 || o.Memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if o.Parallelism == 0 || o.Parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	floor := o.VerifyFloor
	if floor == 0 {
		floor = defaultVerifyFloor
	}
	if floor < 0 {
		floor = 0
	}
	qs := o.QueueSize
	if qs <= 0 {
		qs = 1024
	}
	pepper := make([]byte, len(o.Pepper))
	copy(pepper, o.Pepper)
	return &Hasher{
		iterations:  o.Time,
		memory:      o.Memory,
		parallelism: o.Parallelism,
		keyLength:   32,
		verifyFloor: floor,
		pepper:      pepper,
		jobs:        make(chan hashJob, qs),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			hash, err := h.doHash(job.password)
			util.Wipe(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash queues password for hashing and waits for the result or ctx.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrHasherNotStart
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	resp := make(chan hashResult, 1)
	job := hashJob{password: []byte(password), resp: resp}
	select {
	case h.jobs <- job:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash enqueue")
	case <-h.quit:
		return "", ErrHasherStopped
	default:
		return "", ErrHashQueueFull
	}
	select {
	case res := <-resp:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash wait")
	case <-h.quit:
		return "", ErrHasherStopped
	}
}

func (h *Hasher) doHash(password []byte) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "salt")
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	defer util.Wipe(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify reports whether pwd matches encoded and whether the stored hash should
// be replaced (legacy bcrypt or different argon2 parameters). The call takes at
// least the configured floor regardless of outcome.
func (h *Hasher) Verify(pwd, encoded string) (match, needsRehash bool) {
	start := time.Now()
	defer h.waitFloor(start)
	switch {
	case len(pwd) > MaxPasswordLength:
		h.verifyArgon(strings.Repeat("x", 64), dummyHash)
		return false, false
	case isBcrypt(encoded):
		if bcrypt.CompareHashAndPassword([]byte(encoded), []byte(pwd)) != nil {
			return false, false
		}
		return true, true
	default:
		return h.verifyArgon(pwd, encoded)
	}
}

// DummyVerify spends the same effort as a failed Verify. Used when the
// account does not exist.
func (h *Hasher) DummyVerify(pwd string) {
	start := time.Now()
	defer h.waitFloor(start)
	h.verifyArgon(pwd, dummyHash)
}

func (h *Hasher) waitFloor(start time.Time) {
	if elapsed := time.Since(start); elapsed < h.verifyFloor {
		time.Sleep(h.verifyFloor - elapsed)
	}
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func (h *Hasher) verifyArgon(pwd, encoded string) (bool, bool) {
	mem, iters, threads := h.memory, h.iterations, h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil ||
		mem > 2*1024*1024 || iters > 1000 || threads > 128 || mem == 0 || iters == 0 || threads == 0 {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else {
		var err error
		if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(salt) == 0 {
			valid = false
		}
		if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
		}
	}
	if !valid {
		salt = make([]byte, 16)
		hash = make([]byte, 32)
	}
	defer util.Wipe(hash)
	peppered := h.applyPepper([]byte(pwd))
	if peppered == nil {
		return false, false
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(other)
	if subtle.ConstantTimeCompare(hash, other) != 1 || !valid {
		return false, false
	}
	return true, mem != h.memory || iters != h.iterations || threads != h.parallelism
}

func (h *Hasher) applyPepper(password []byte) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write(password)
	return mac.Sum(nil)
}
