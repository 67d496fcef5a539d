package cache

import (
	"strings"
)

// KeyPrefix namespaces every forecast cache key.
const KeyPrefix = "aemet:forecast"

// CacheKey identifies one municipality's forecast for one forecast date.
type CacheKey struct {
	// MunicipalityID is the five digit INE code.
	MunicipalityID string

	// Date is the forecast date as YYYY-MM-DD.
	Date string
}

// String generates a deterministic cache key string.
// Format: aemet:forecast:{municipality}:{date}
//
// Example:
//
//	aemet:forecast:28079:2025-04-10
func (k CacheKey) String() string {
	parts := []string{KeyPrefix, strings.TrimSpace(k.MunicipalityID)}
	if k.Date != "" {
		parts = append(parts, k.Date)
	}
	return strings.Join(parts, ":")
}
