package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type (
	Money struct {
		Cents int64
	}

	// Attachment is an opaque binary blob (receipt photo, note) referenced by expenses.
	Attachment struct {
		ID      int64  `json:"id"`
		Mime    string `json:"mime"`
		Payload []byte `json:"payload"`
	}

	Category struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
	}

	// Expense references its category and attachment by id only. Neither
	// reference is enforced: deleting the target leaves the id dangling.
	Expense struct {
		ID          int64     `json:"id"`
		Amount      Money     `json:"amount"`
		Datetime    time.Time `json:"datetime"` // UTC
		Category    int64     `json:"category"`
		Description string    `json:"description"`
		Attachment  *int64    `json:"attachment,omitempty"`
	}
)

var (
	ErrEmptyMime     = errors.New("empty mime type")
	ErrEmptyName     = errors.New("empty category name")
	ErrEmptyColor    = errors.New("empty category color")
	ErrZeroDatetime  = errors.New("datetime cannot be zero")
	ErrMissingID     = errors.New("missing id")
	ErrInvalidAmount = errors.New("invalid amount")
)

func (a Attachment) Validate() error {
	if strings.TrimSpace(a.Mime) == "" {
		return ErrEmptyMime
	}
	return nil
}

// Normalize trims both fields and puts the name in Unicode NFC so that
// visually identical names hit the same unique index entry.
func (c Category) Normalize() Category {
	c.Name = norm.NFC.String(strings.TrimSpace(c.Name))
	c.Color = strings.TrimSpace(c.Color)
	return c
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(c.Color) == "" {
		return ErrEmptyColor
	}
	return nil
}

func (e Expense) Validate() error {
	if e.Datetime.IsZero() {
		return ErrZeroDatetime
	}
	return nil
}

// Normalize converts the datetime to UTC at millisecond resolution, which is
// what the store keeps.
func (e Expense) Normalize() Expense {
	e.Datetime = NormalizeTime(e.Datetime)
	return e
}

// NormalizeTime returns t in UTC truncated to milliseconds.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// AttachmentID is a convenience for building the optional attachment reference.
func AttachmentID(id int64) *int64 {
	return &id
}

// MaxDatabaseNameLength bounds the name given to INITIALIZE and DROP.
const MaxDatabaseNameLength = 64

// ValidateDatabaseName accepts names made of letters, digits, '_', '-' and
// '.', starting with a letter or digit. The name becomes a file name, so path
// separators and ".." never pass.
func ValidateDatabaseName(name string) error {
	if name == "" {
		return errors.New("empty database name")
	}
	if len(name) > MaxDatabaseNameLength {
		return fmt.Errorf("database name longer than %d characters", MaxDatabaseNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("database name %q contains \"..\"", name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case i > 0 && (r == '_' || r == '-' || r == '.'):
		default:
			return fmt.Errorf("database name %q has invalid character %q", name, r)
		}
	}
	return nil
}
