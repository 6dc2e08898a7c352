// Package quote holds the data model shared by the source client, the
// ingestor and the store.
package quote

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Each layer wraps its failures with one of these so callers
// can branch with errors.Is.
var (
	ErrNetwork = errors.New("network failure")
	ErrParse   = errors.New("parse failure")
	ErrStore   = errors.New("store failure")
	ErrAsset   = errors.New("asset failure")
)

// Quote is a quotation as fetched from the source. It is never mutated after
// the fetch.
type Quote struct {
	ID     int64
	Text   string
	Date   string // as printed by the source, e.g. "19.10.2026 в 22:00"
	URL    string
	Assets []Asset
}

// Asset is a binary attachment (comic strip image) referenced by a quote.
type Asset struct {
	URL string
}

// Record is the persisted form of a Quote.
type Record struct {
	ID         int64
	Text       string
	Date       string
	URL        string
	CreatedAt  time.Time
	ModifiedAt time.Time
	// Assets are local paths of downloaded attachments.
	Assets []string
}

// ErrorRecord is one entry of the append-only error log.
type ErrorRecord struct {
	ID      string
	At      time.Time
	Origin  string
	Message string
}

// OutcomeKind classifies the result of an on-demand update.
type OutcomeKind int

const (
	OutcomeNotFound OutcomeKind = iota
	OutcomeAdded
	OutcomeUpdated
	OutcomeNoChanges
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAdded:
		return "added"
	case OutcomeUpdated:
		return "updated"
	case OutcomeNoChanges:
		return "no_changes"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of updating one quote on demand.
type Outcome struct {
	ID      int64
	Kind    OutcomeKind
	Changed []string
}

// Message renders the outcome for chat replies and logs.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeNotFound:
		return fmt.Sprintf("Quote #%d is not on the site", o.ID)
	case OutcomeAdded:
		return fmt.Sprintf("Quote #%d added to the database", o.ID)
	case OutcomeUpdated:
		return fmt.Sprintf("Quote #%d updated (%s)", o.ID, strings.Join(o.Changed, ", "))
	default:
		return fmt.Sprintf("No changes in quote #%d", o.ID)
	}
}

