package router

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// lidMapCapacity bounds the LID→phone map; past it the oldest mapping is
// evicted on insert.
const lidMapCapacity = 10000

// LIDMap resolves opaque linked-id user-parts to E.164 digits. Mappings are
// learned from inbound contact updates and from message keys that carry a
// sender-phone hint next to a LID remote id. In-process only.
type LIDMap struct {
	cache *lru.Cache[string, string]
}

func NewLIDMap() *LIDMap {
	cache, _ := lru.New[string, string](lidMapCapacity)
	return &LIDMap{cache: cache}
}

// Learn stores a lid→phone mapping. Empty inputs are ignored.
func (m *LIDMap) Learn(lid, phone string) {
	if lid == "" || phone == "" {
		return
	}
	m.cache.Add(lid, phone)
}

// Resolve returns the phone digits for a lid user-part.
func (m *LIDMap) Resolve(lid string) (string, bool) {
	return m.cache.Get(lid)
}

// Len returns the number of known mappings.
func (m *LIDMap) Len() int {
	return m.cache.Len()
}
