package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Book is a ledger container owning entries.
type Book struct {
	SyncMeta
	OwnerID     string `db:"owner_id" json:"ownerId"`
	Name        string `db:"name" json:"name"`
	Currency    string `db:"currency" json:"currency"`
	Description string `db:"description" json:"description,omitempty"`
}

// Kind implements Record.
func (*Book) Kind() Kind { return KindBook }

// Validate checks the fields the server requires.
func (b *Book) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("book name is required")
	}
	if b.Currency != "" && len(b.Currency) != 3 {
		return fmt.Errorf("currency %q must be a 3-letter code", b.Currency)
	}
	return nil
}

// EntryType distinguishes money in from money out.
type EntryType string

const (
	EntryIncome  EntryType = "income"
	EntryExpense EntryType = "expense"
)

// EntryStatus is the canonical, lowercase entry status.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusCleared    EntryStatus = "cleared"
	StatusReconciled EntryStatus = "reconciled"
)

// ParseEntryStatus canonicalises any casing of a known status.
func ParseEntryStatus(s string) (EntryStatus, error) {
	switch st := EntryStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusCleared, StatusReconciled:
		return st, nil
	case "":
		return StatusPending, nil
	}
	return "", fmt.Errorf("unknown entry status %q", s)
}

// UnmarshalJSON canonicalises statuses arriving from the wire.
func (s *EntryStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseEntryStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Entry is a single ledger line belonging to a Book.
type Entry struct {
	SyncMeta
	// BookLocalID is the local foreign key; it never leaves the device.
	BookLocalID int64 `db:"book_local_id" json:"-"`
	// BookID is the parent's server id, empty while the parent is local-only.
	BookID        string          `db:"book_id" json:"bookId"`
	OwnerID       string          `db:"owner_id" json:"ownerId"`
	Type          EntryType       `db:"type" json:"type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Category      string          `db:"category" json:"category,omitempty"`
	Date          string          `db:"date" json:"date"` // YYYY-MM-DD
	Status        EntryStatus     `db:"status" json:"status"`
	Note          string          `db:"note" json:"note,omitempty"`
	AttachmentURL string          `db:"attachment_url" json:"attachmentUrl,omitempty"`
}

// Kind implements Record.
func (*Entry) Kind() Kind { return KindEntry }

// Validate checks the fields the server requires.
func (e *Entry) Validate() error {
	if e.Type != EntryIncome && e.Type != EntryExpense {
		return fmt.Errorf("entry type %q must be income or expense", e.Type)
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("entry amount must not be negative")
	}
	if _, err := time.Parse("2006-01-02", e.Date); err != nil {
		return fmt.Errorf("entry date %q: %w", e.Date, err)
	}
	if _, err := ParseEntryStatus(string(e.Status)); err != nil {
		return err
	}
	return nil
}

// Signed returns the amount with expenses negated.
func (e *Entry) Signed() decimal.Decimal {
	if e.Type == EntryExpense {
		return e.Amount.Neg()
	}
	return e.Amount
}

// StatusUpdate is the body of the status-only update path.
type StatusUpdate struct {
	Status   EntryStatus `json:"status"`
	Revision int64       `json:"revision"`
}
