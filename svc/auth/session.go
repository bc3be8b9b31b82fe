package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"snipserve/metrics"
	"snipserve/svc/util"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// SessionStore maps opaque session tokens to identity ids.
type SessionStore interface {
	Create(ctx context.Context, identityID int64) (string, error)
	// Get returns ok=false for unknown or expired tokens.
	Get(ctx context.Context, token string) (identityID int64, ok bool, err error)
	Delete(ctx context.Context, token string) error
}

// tokenKey is what stores index by, so a dump of the store does not hold usable tokens.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type memEntry struct {
	identityID int64
	exp        time.Time
}

// MemorySessions is a bounded in-process store. When full, the least recently
// used session is evicted.
type MemorySessions struct {
	c    *lru.Cache[string, memEntry]
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	quit chan struct{}
	once sync.Once
}

func NewMemorySessions(size int, ttl time.Duration) (*MemorySessions, error) {
	if size <= 0 {
		return nil, errors.New("session store size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("session store size too large")
	}
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemorySessions{c: c, ttl: ttl, now: time.Now, quit: make(chan struct{})}, nil
}

func (m *MemorySessions) Create(ctx context.Context, identityID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := util.NewToken()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Add(tokenKey(tok), memEntry{identityID: identityID, exp: m.now().Add(m.ttl)})
	return tok, nil
}

func (m *MemorySessions) Get(ctx context.Context, token string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	key := tokenKey(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.c.Get(key)
	if !ok {
		return 0, false, nil
	}
	if !m.now().Before(e.exp) {
		m.c.Remove(key)
		return 0, false, nil
	}
	return e.identityID, true, nil
}

func (m *MemorySessions) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Remove(tokenKey(token))
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemorySessions) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, k := range m.c.Keys() {
		if e, ok := m.c.Peek(k); ok && !now.Before(e.exp) {
			m.c.Remove(k)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until Stop.
func (m *MemorySessions) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					metrics.SessionSweeps.Add(float64(n))
					util.Debug().Int("removed", n).Msg("expired sessions swept")
				}
			case <-m.quit:
				return
			}
		}
	}()
}

func (m *MemorySessions) Stop() {
	m.once.Do(func() { close(m.quit) })
}

func (m *MemorySessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c.Len()
}
