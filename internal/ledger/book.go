package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrDuplicateTag = errors.New("tag already open")
	ErrUnknownTag   = errors.New("no open position for tag")
)

const autoTagPrefix = "auto_"

// Book holds open positions keyed strictly by tag with a derived symbol index.
// It is not safe for concurrent use; the engine owns it behind its own lock.
type Book struct {
	positions map[string]*Position
	bySymbol  map[string][]string
	seq       map[string]int64
}

func NewBook() *Book {
	return &Book{
		positions: make(map[string]*Position),
		bySymbol:  make(map[string][]string),
		seq:       make(map[string]int64),
	}
}

func (b *Book) Len() int { return len(b.positions) }

func (b *Book) Get(tag string) (Position, bool) {
	p, ok := b.positions[tag]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// Insert adds a new position. A tag that is already open is rejected.
func (b *Book) Insert(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := b.positions[p.Tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, p.Tag)
	}
	cp := p.Clone()
	b.positions[p.Tag] = &cp
	b.bySymbol[p.Symbol] = append(b.bySymbol[p.Symbol], p.Tag)
	b.sortSymbol(p.Symbol)
	if n, ok := AutoSequence(p.Symbol, p.Tag); ok {
		b.SeedSequence(p.Symbol, n)
	}
	return nil
}

// Update replaces an open position in place. Symbol and tag are immutable.
func (b *Book) Update(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cur, ok := b.positions[p.Tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, p.Tag)
	}
	if cur.Symbol != p.Symbol {
		return fmt.Errorf("%w: %s symbol change %s -> %s", ErrInvalidPosition, p.Tag, cur.Symbol, p.Symbol)
	}
	cp := p.Clone()
	b.positions[p.Tag] = &cp
	return nil
}

func (b *Book) Remove(tag string) {
	p, ok := b.positions[tag]
	if !ok {
		return
	}
	delete(b.positions, tag)
	tags := b.bySymbol[p.Symbol]
	for i, t := range tags {
		if t == tag {
			tags = append(tags[:i], tags[i+1:]...)
			break
		}
	}
	if len(tags) == 0 {
		delete(b.bySymbol, p.Symbol)
		return
	}
	b.bySymbol[p.Symbol] = tags
}

// BySymbol returns the symbol's open positions, oldest first.
func (b *Book) BySymbol(symbol string) []Position {
	tags := b.bySymbol[symbol]
	out := make([]Position, 0, len(tags))
	for _, t := range tags {
		out = append(out, b.positions[t].Clone())
	}
	return out
}

// Oldest resolves the FIFO position for symbol.
func (b *Book) Oldest(symbol string) (Position, bool) {
	tags := b.bySymbol[symbol]
	if len(tags) == 0 {
		return Position{}, false
	}
	return b.positions[tags[0]].Clone(), true
}

// All returns every open position ordered by opened_at, then tag.
func (b *Book) All() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.bySymbol))
	for s := range b.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NextTag reserves the next auto tag for symbol. Sequence numbers only grow.
func (b *Book) NextTag(symbol string) (string, int64) {
	n := b.seq[symbol] + 1
	b.seq[symbol] = n
	return AutoTag(symbol, n), n
}

// SeedSequence raises the symbol's sequence to at least n.
func (b *Book) SeedSequence(symbol string, n int64) {
	if n > b.seq[symbol] {
		b.seq[symbol] = n
	}
}

func (b *Book) Sequence(symbol string) int64 { return b.seq[symbol] }

// AutoTag formats auto_{symbol}_{n}.
func AutoTag(symbol string, n int64) string {
	return autoTagPrefix + symbol + "_" + strconv.FormatInt(n, 10)
}

// AutoSequence extracts n from an auto_{symbol}_{n} tag.
func AutoSequence(symbol, tag string) (int64, bool) {
	prefix := autoTagPrefix + symbol + "_"
	if !strings.HasPrefix(tag, prefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(tag, prefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (b *Book) sortSymbol(symbol string) {
	tags := b.bySymbol[symbol]
	sort.SliceStable(tags, func(i, j int) bool {
		return less(*b.positions[tags[i]], *b.positions[tags[j]])
	})
}

func less(a, b Position) bool {
	if !a.OpenedAt.Equal(b.OpenedAt) {
		return a.OpenedAt.Before(b.OpenedAt)
	}
	return a.Tag < b.Tag
}
