package cache

import (
	"time"
)

// CacheEntry is a cached stage-2 forecast body.
type CacheEntry struct {
	// MunicipalityID is the INE code the payload belongs to.
	MunicipalityID string `json:"municipality_id"`

	// Data is the raw stage-2 JSON body.
	Data []byte `json:"data"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this payload.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry builds an entry that expires ttl from now.
func NewEntry(municipalityID string, data []byte, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		MunicipalityID: municipalityID,
		Data:           data,
		Expires:        now.Add(ttl),
		CachedAt:       now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was cached.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}
