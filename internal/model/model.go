// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Identity is the site-assigned identifier of a listing.
type Identity string

// ListingRecord is a snapshot of a listing at observation time.
type ListingRecord struct {
	ID         Identity
	Price      *int64
	Location   string
	Attributes Attributes
	SearchTag  string
}

// Validate reports whether the record can be tracked.
func (r ListingRecord) Validate() error {
	if strings.TrimSpace(string(r.ID)) == "" {
		return fmt.Errorf("listing identity is empty")
	}
	if r.SearchTag == "" {
		return fmt.Errorf("listing %s has no search tag", r.ID)
	}
	return nil
}

// TrackedListing is a persisted listing with its observation history.
type TrackedListing struct {
	ListingRecord
	// SearchTags lists every search that has observed the listing, sorted.
	SearchTags []string
	FirstSeen  time.Time
	LastSeen   time.Time
	Notified   bool
}

// UpsertResult is the outcome of recording an observation.
type UpsertResult struct {
	IsNew   bool
	Listing TrackedListing
}

// Search is a configured vehicle search.
type Search struct {
	Tag      string
	Name     string
	Query    string
	MaxPages int
	Enabled  bool
}

// PageURL returns the search query URL for the given result page.
func (s Search) PageURL(page int) (string, error) {
	u, err := url.Parse(s.Query)
	if err != nil {
		return "", fmt.Errorf("parse query url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stats is an aggregate view of the tracked listings.
type Stats struct {
	Total           int64
	BySearchTag     map[string]int64
	Notified        int64
	Pending         int64
	OldestFirstSeen time.Time
	NewestFirstSeen time.Time
}
