package announcements

import (
	"context"
	"fmt"

	"stealthpay/crypto/stealth"
)

// Feed is an ordered, paginated source of announcements. The local Log and
// the HTTP client in stealthctl both satisfy it.
type Feed interface {
	Page(ctx context.Context, cursor uint64, limit int) ([]Announcement, uint64, error)
}

// LocalFeed adapts a Log to the Feed interface.
type LocalFeed struct {
	Log *Log
}

// Page implements Feed.
func (f LocalFeed) Page(ctx context.Context, cursor uint64, limit int) ([]Announcement, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	return f.Log.Page(cursor, limit)
}

// Found pairs an announcement with the recipient's match data.
type Found struct {
	Announcement Announcement
	Match        *stealth.Match
}

// Scanner walks a feed with a recipient's viewing key and spending public key.
type Scanner struct {
	feed        Feed
	viewingPriv []byte
	spendPub    []byte
	pageSize    int
}

// NewScanner constructs a scanner after validating the keys. The viewing key
// is copied.
func NewScanner(feed Feed, viewingPriv, spendPub []byte) (*Scanner, error) {
	if err := stealth.ValidateScanKeys(viewingPriv, spendPub); err != nil {
		return nil, err
	}
	return &Scanner{
		feed:        feed,
		viewingPriv: append([]byte(nil), viewingPriv...),
		spendPub:    append([]byte(nil), spendPub...),
		pageSize:    MaxPageSize,
	}, nil
}

// SetPageSize overrides the page size used when walking the feed.
func (s *Scanner) SetPageSize(size int) {
	if size > 0 && size <= MaxPageSize {
		s.pageSize = size
	}
}

// Scan reads the feed from cursor to its current end and returns every entry
// addressed to the scanner's keys along with the cursor to resume from.
// Entries for other schemes and malformed ephemeral keys are skipped.
func (s *Scanner) Scan(ctx context.Context, cursor uint64) ([]Found, uint64, error) {
	if s == nil || s.feed == nil {
		return nil, cursor, fmt.Errorf("announcements: scanner not configured")
	}
	var found []Found
	for {
		page, next, err := s.feed.Page(ctx, cursor, s.pageSize)
		if err != nil {
			return found, cursor, err
		}
		for _, entry := range page {
			if entry.SchemeID != stealth.SchemeSecp256k1 {
				continue
			}
			match, ok, err := stealth.TryMatch(stealth.Candidate{
				StealthAddress:  entry.StealthAddress,
				EphemeralPubKey: entry.EphemeralPubKey,
				ViewTag:         entry.ViewTag,
			}, s.viewingPriv, s.spendPub)
			if err != nil {
				continue
			}
			if ok {
				found = append(found, Found{Announcement: entry, Match: match})
			}
		}
		if len(page) == 0 || next <= cursor {
			return found, next, nil
		}
		cursor = next
	}
}
