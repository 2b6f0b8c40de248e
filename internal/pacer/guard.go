package pacer

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// maxGuardEntries bounds guard memory across all accounts.
const maxGuardEntries = 10000

type guardKey struct {
	account uuid.UUID
	peer    string
	hash    [16]byte
}

// duplicateGuard rejects resends of an identical (account, peer, body) tuple
// inside the suppression window. It exists to absorb caller retry loops,
// which otherwise produce machine-perfect duplicate fingerprints on the wire.
//
// The LRU handles capacity eviction and background TTL expiry; check still
// re-derives the age from the stored send time so the window boundary stays
// strict (a resend at exactly ttl is allowed) and the retry-after hint is
// exact.
type duplicateGuard struct {
	ttl     time.Duration
	entries *lru.LRU[guardKey, time.Time]

	now func() time.Time
}

func newDuplicateGuard(ttl time.Duration, max int) *duplicateGuard {
	return &duplicateGuard{
		ttl:     ttl,
		entries: lru.NewLRU[guardKey, time.Time](max, nil, ttl),
		now:     time.Now,
	}
}

func bodyHash(body string) [16]byte {
	sum := sha256.Sum256([]byte(body))
	var h [16]byte
	copy(h[:], sum[:16])
	return h
}

// check reports whether the tuple was recorded within the window, and how
// long until the window opens again.
func (g *duplicateGuard) check(account uuid.UUID, peer, body string) (time.Duration, bool) {
	key := guardKey{account: account, peer: peer, hash: bodyHash(body)}

	last, ok := g.entries.Get(key)
	if !ok {
		return 0, false
	}
	age := g.now().Sub(last)
	if age >= g.ttl {
		g.entries.Remove(key)
		return 0, false
	}
	return g.ttl - age, true
}

// record stores the tuple's send time.
func (g *duplicateGuard) record(account uuid.UUID, peer, body string, at time.Time) {
	g.entries.Add(guardKey{account: account, peer: peer, hash: bodyHash(body)}, at)
}
