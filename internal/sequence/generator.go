// Package sequence issues unique, human-readable document numbers
// (LOT/2024/000123) backed by a row-locked counter table.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPadding is the zero-pad width for new sequences.
const DefaultPadding = 6

// Row is one named counter. The store must hand it out under an exclusive
// row lock so two concurrent callers never observe the same number.
type Row struct {
	Name    string
	Prefix  string
	Current int64
	Year    int
	Padding int
}

// ErrNotFound indicates the named counter row does not exist yet.
var ErrNotFound = errors.New("sequence: not found")

// Store persists counter rows. GetForUpdate must acquire an exclusive lock
// held until the enclosing transaction ends.
type Store interface {
	GetForUpdate(ctx context.Context, name string) (Row, error)
	Create(ctx context.Context, row Row) error
	Save(ctx context.Context, row Row) error
}

// Generator produces the next number for a named sequence.
type Generator struct {
	store Store
	now   func() time.Time
}

// New constructs a Generator over the given store.
func New(store Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// NewWithClock is New with an injectable clock, used by year-rollover tests.
func NewWithClock(store Store, now func() time.Time) *Generator {
	return &Generator{store: store, now: now}
}

// Next increments the named counter and returns the formatted number.
// When yearWise is set and the stored year differs from the current year the
// counter resets to zero before incrementing.
func (g *Generator) Next(ctx context.Context, name, prefix string, yearWise bool) (string, error) {
	if name == "" {
		return "", errors.New("sequence: name required")
	}
	year := 0
	if yearWise {
		year = g.now().UTC().Year()
	}

	row, err := g.store.GetForUpdate(ctx, name)
	if errors.Is(err, ErrNotFound) {
		// Seed the counter, then re-acquire under lock so concurrent
		// creators serialize on the same row.
		if err := g.store.Create(ctx, Row{Name: name, Prefix: prefix, Current: 0, Year: year, Padding: DefaultPadding}); err != nil {
			return "", err
		}
		row, err = g.store.GetForUpdate(ctx, name)
	}
	if err != nil {
		return "", err
	}

	if row.Prefix == "" {
		row.Prefix = prefix
	}
	if row.Padding <= 0 {
		row.Padding = DefaultPadding
	}
	if yearWise && row.Year != year {
		row.Current = 0
		row.Year = year
	}
	row.Current++

	if err := g.store.Save(ctx, row); err != nil {
		return "", err
	}
	return Format(row.Prefix, year, row.Current, row.Padding, yearWise), nil
}

// Format renders "{prefix}/{year}/{zero-padded n}", dropping the year segment
// for non year-wise sequences. The format is a stable external contract.
func Format(prefix string, year int, n int64, padding int, yearWise bool) string {
	if yearWise {
		return fmt.Sprintf("%s/%d/%0*d", prefix, year, padding, n)
	}
	return fmt.Sprintf("%s/%0*d", prefix, padding, n)
}
