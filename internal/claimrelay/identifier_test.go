package claimrelay

import (
	"errors"
	"testing"
	"time"
)

func TestIdentifierFormatPadsToFourDigits(t *testing.T) {
	f := NewIdentifierFormatter()
	date := time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)
	cases := []struct {
		category string
		seq      int64
		want     string
	}{
		{CategoryInquiry, 1, "INQ-20250131-0001"},
		{CategoryInquiry, 42, "INQ-20250131-0042"},
		{CategoryTicket, 9999, "TKT-20250131-9999"},
		{CategoryProposal, 10000, "PRP-20250131-10000"},
		{CategoryContract, 123456, "CTR-20250131-123456"},
		{CategoryLead, 7, "LEAD-20250131-0007"},
	}
	for _, tc := range cases {
		got, err := f.Format(tc.category, date, tc.seq)
		if err != nil {
			t.Fatalf("format %s/%d: %v", tc.category, tc.seq, err)
		}
		if got != tc.want {
			t.Fatalf("format %s/%d: expected %s, got %s", tc.category, tc.seq, tc.want, got)
		}
	}
}

func TestIdentifierFormatRejectsBadInput(t *testing.T) {
	f := NewIdentifierFormatter()
	date := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if _, err := f.Format(CategoryInquiry, date, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero sequence, got %v", err)
	}
	if _, err := f.Format("invoice", date, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown category, got %v", err)
	}
	if _, err := f.Format(CategoryInquiry, time.Time{}, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero date, got %v", err)
	}
}

func TestIdentifierParseRoundTrip(t *testing.T) {
	f := NewIdentifierFormatter()
	date := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	for _, seq := range []int64{1, 999, 9999, 10000, 4200000} {
		code, err := f.Format(CategoryInquiry, date, seq)
		if err != nil {
			t.Fatalf("format %d: %v", seq, err)
		}
		category, parsedDate, parsedSeq, err := f.Parse(code)
		if err != nil {
			t.Fatalf("parse %s: %v", code, err)
		}
		if category != CategoryInquiry || !parsedDate.Equal(date) || parsedSeq != seq {
			t.Fatalf("parse %s: got %s %v %d", code, category, parsedDate, parsedSeq)
		}
	}
}

func TestIdentifierParseRejectsMalformedCodes(t *testing.T) {
	f := NewIdentifierFormatter()
	for _, code := range []string{
		"",
		"INQ-20250131",
		"XYZ-20250131-0001",
		"INQ-2025013-0001",
		"INQ-20251331-0001",
		"INQ-20250131-001",
		"INQ-20250131-0000",
		"INQ-20250131-00012",
		"INQ-20250131-12a4",
		"INQ-20250131-+001",
		"INQ-20250131-+0001",
		"INQ-20250131- 001",
		"INQ-20250131-0001-extra",
	} {
		if _, _, _, err := f.Parse(code); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected %q to be rejected, got %v", code, err)
		}
	}
}

func TestIdentifierRegisterCustomCategory(t *testing.T) {
	f := NewIdentifierFormatter()
	if err := f.Register("invoice", "inv"); err != nil {
		t.Fatalf("register invoice: %v", err)
	}
	code, err := f.Format("invoice", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 5)
	if err != nil || code != "INV-20250301-0005" {
		t.Fatalf("expected INV-20250301-0005, got %q (err=%v)", code, err)
	}
	if err := f.Register("refund", "INQ"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected prefix collision to fail, got %v", err)
	}
	if err := f.Register(CategoryInquiry, "ENQ"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected category rebinding to fail, got %v", err)
	}
	if err := f.Register("bad", "A-B"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected dashed prefix to fail, got %v", err)
	}
	found := false
	for _, category := range f.Categories() {
		if category == "invoice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected invoice in categories %v", f.Categories())
	}
}

func TestDateKeyUsesDateLocation(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	instant := time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC)
	if got := DateKey(instant); got != "2025-01-31" {
		t.Fatalf("expected UTC date key, got %s", got)
	}
	if got := DateKey(instant.In(tokyo)); got != "2025-02-01" {
		t.Fatalf("expected local date key, got %s", got)
	}
}
