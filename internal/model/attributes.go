package model

import (
	"strings"

	"github.com/spf13/cast"
)

// Known attribute keys produced by the extraction adapter.
const (
	AttrAdNumber       = "adNumber"
	AttrAdType         = "adType"
	AttrListingType    = "listingType"
	AttrMake           = "make"
	AttrModel          = "model"
	AttrSubModel       = "subModel"
	AttrHP             = "hp"
	AttrProductionDate = "productionDate"
	AttrKm             = "km"
	AttrKmPerYear      = "kmPerYear"
	AttrYears          = "numberOfYears"
	AttrHand           = "hand"
	AttrDescription    = "description"
	AttrLink           = "link"
	AttrCreatedAt      = "createdAt"
	AttrUpdatedAt      = "updatedAt"
	AttrRebouncedAt    = "rebouncedAt"
)

// Attributes is the schema-free bag of vehicle attributes carried verbatim
// from the extraction adapter. Typed accessors report ok=false for absent,
// empty or uncoercible values so callers can degrade gracefully.
type Attributes map[string]any

// String returns the value under key as a non-empty trimmed string.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Int returns the value under key as an integer.
func (a Attributes) Int(key string) (int64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Float returns the value under key as a float.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// StringOr returns the string under key, or def when it is absent.
func (a Attributes) StringOr(key, def string) string {
	if s, ok := a.String(key); ok {
		return s
	}
	return def
}
