package claimrelay

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	dateKeyLayout    = "2006-01-02"
	codeDateLayout   = "20060102"
	minSequenceWidth = 4
)

// IdentifierFormatter renders (category, date, seq) triples as codes of the
// form PREFIX-YYYYMMDD-NNNN and parses them back. Sequences wider than four
// digits are written out in full.
type IdentifierFormatter struct {
	mu         sync.RWMutex
	prefixes   map[string]string
	categories map[string]string
}

func NewIdentifierFormatter() *IdentifierFormatter {
	f := &IdentifierFormatter{
		prefixes:   map[string]string{},
		categories: map[string]string{},
	}
	_ = f.Register(CategoryInquiry, "INQ")
	_ = f.Register(CategoryLead, "LEAD")
	_ = f.Register(CategoryTicket, "TKT")
	_ = f.Register(CategoryProposal, "PRP")
	_ = f.Register(CategoryContract, "CTR")
	return f
}

// Register binds a category to a code prefix. Both sides must be unique.
func (f *IdentifierFormatter) Register(category, prefix string) error {
	category = strings.ToLower(strings.TrimSpace(category))
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if category == "" || prefix == "" || strings.Contains(prefix, "-") {
		return fmt.Errorf("%w: category %q prefix %q", ErrInvalidInput, category, prefix)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.prefixes[category]; ok && existing != prefix {
		return fmt.Errorf("%w: category %q already uses prefix %q", ErrInvalidInput, category, existing)
	}
	if existing, ok := f.categories[prefix]; ok && existing != category {
		return fmt.Errorf("%w: prefix %q already used by category %q", ErrInvalidInput, prefix, existing)
	}
	f.prefixes[category] = prefix
	f.categories[prefix] = category
	return nil
}

func (f *IdentifierFormatter) Categories() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prefixes))
	for category := range f.prefixes {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

func (f *IdentifierFormatter) Format(category string, date time.Time, seq int64) (string, error) {
	if seq < 1 {
		return "", fmt.Errorf("%w: sequence must be positive, got %d", ErrInvalidInput, seq)
	}
	if date.IsZero() {
		return "", fmt.Errorf("%w: missing business date", ErrInvalidInput)
	}
	f.mu.RLock()
	prefix, ok := f.prefixes[strings.ToLower(strings.TrimSpace(category))]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}
	return fmt.Sprintf("%s-%s-%0*d", prefix, date.Format(codeDateLayout), minSequenceWidth, seq), nil
}

// Parse returns the category, the business date (midnight UTC) and the
// sequence encoded in code.
func (f *IdentifierFormatter) Parse(code string) (string, time.Time, int64, error) {
	parts := strings.Split(strings.TrimSpace(code), "-")
	if len(parts) != 3 {
		return "", time.Time{}, 0, fmt.Errorf("%w: malformed identifier %q", ErrInvalidInput, code)
	}
	f.mu.RLock()
	category, ok := f.categories[strings.ToUpper(parts[0])]
	f.mu.RUnlock()
	if !ok {
		return "", time.Time{}, 0, fmt.Errorf("%w: unknown identifier prefix %q", ErrInvalidInput, parts[0])
	}
	if len(parts[1]) != len(codeDateLayout) {
		return "", time.Time{}, 0, fmt.Errorf("%w: malformed identifier date %q", ErrInvalidInput, parts[1])
	}
	date, err := time.Parse(codeDateLayout, parts[1])
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("%w: malformed identifier date %q", ErrInvalidInput, parts[1])
	}
	if len(parts[2]) < minSequenceWidth || !allDigits(parts[2]) {
		return "", time.Time{}, 0, fmt.Errorf("%w: malformed identifier sequence %q", ErrInvalidInput, parts[2])
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq < 1 {
		return "", time.Time{}, 0, fmt.Errorf("%w: malformed identifier sequence %q", ErrInvalidInput, parts[2])
	}
	// Only the padded form is canonical: "00012" would not round-trip.
	if len(parts[2]) > minSequenceWidth && parts[2][0] == '0' {
		return "", time.Time{}, 0, fmt.Errorf("%w: non-canonical identifier sequence %q", ErrInvalidInput, parts[2])
	}
	return category, date, seq, nil
}

// DateKey is the counter partition for a business date. The date is taken in
// its own location; callers convert to the business time zone first.
func DateKey(date time.Time) string {
	return date.Format(dateKeyLayout)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
