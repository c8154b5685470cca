package loom

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Link codes are short credentials a user quotes on one surface to
// attach it to their identity on another. They live only in memory:
// a restart invalidates outstanding codes, which is acceptable for a
// ten-minute credential.

// linkCodeAlphabet omits ambiguous characters (0/O, 1/I).
const linkCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	linkCodeLength = 6
	linkCodeTTL    = 10 * time.Minute
	// maxUnclaimedCodes bounds outstanding codes per issuer.
	maxUnclaimedCodes = 3
	linkCodeGCPeriod  = time.Minute
)

type linkCode struct {
	code     string
	issuedBy string // "<surfaceId>:<userId>"
	issuedAt time.Time
	expireAt time.Time
	claimed  bool
}

// linkCodeBook holds outstanding link codes and reaps expired ones on a
// minute ticker.
type linkCodeBook struct {
	mu    sync.Mutex
	codes map[string]*linkCode
	clock func() time.Time
	done  chan struct{}
	once  sync.Once
}

func newLinkCodeBook(clock func() time.Time) *linkCodeBook {
	b := &linkCodeBook{
		codes: make(map[string]*linkCode),
		clock: clock,
		done:  make(chan struct{}),
	}
	go b.gcLoop()
	return b
}

func (b *linkCodeBook) stop() {
	b.once.Do(func() { close(b.done) })
}

func (b *linkCodeBook) gcLoop() {
	ticker := time.NewTicker(linkCodeGCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

func (b *linkCodeBook) reap() {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	for code, lc := range b.codes {
		if lc.claimed || now.After(lc.expireAt) {
			delete(b.codes, code)
		}
	}
}

// issue mints a fresh code for the issuer, enforcing the unclaimed cap.
func (b *linkCodeBook) issue(issuer string) (string, error) {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	outstanding := 0
	for _, lc := range b.codes {
		if lc.issuedBy == issuer && !lc.claimed && now.Before(lc.expireAt) {
			outstanding++
		}
	}
	if outstanding >= maxUnclaimedCodes {
		return "", ErrMaxCodes
	}

	code := randomLinkCode()
	for _, exists := b.codes[code]; exists; _, exists = b.codes[code] {
		code = randomLinkCode()
	}
	b.codes[code] = &linkCode{
		code:     code,
		issuedBy: issuer,
		issuedAt: now,
		expireAt: now.Add(linkCodeTTL),
	}
	return code, nil
}

// claim validates and consumes a code, returning the issuer string.
// Same-surface claims are refused: a code is only useful for attaching
// a different surface.
func (b *linkCodeBook) claim(code, claimingSurface string) (issuedBy string, err error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	lc, ok := b.codes[code]
	if !ok {
		return "", ErrLinkCodeNotFound
	}
	if lc.claimed {
		return "", ErrLinkCodeClaimed
	}
	if now.After(lc.expireAt) {
		delete(b.codes, code)
		return "", ErrLinkCodeExpired
	}
	if issuerSurface, _, _ := splitIssuer(lc.issuedBy); issuerSurface == claimingSurface {
		return "", ErrSameSurface
	}
	lc.claimed = true
	return lc.issuedBy, nil
}

// randomLinkCode draws 6 characters from the ambiguity-free alphabet
// using crypto/rand.
func randomLinkCode() string {
	var sb strings.Builder
	max := big.NewInt(int64(len(linkCodeAlphabet)))
	for i := 0; i < linkCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; nothing sensible to do but crash loudly.
			panic("linkcode: " + err.Error())
		}
		sb.WriteByte(linkCodeAlphabet[n.Int64()])
	}
	return sb.String()
}
