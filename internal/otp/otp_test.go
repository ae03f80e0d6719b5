package otp

import (
	"testing"
	"time"
)

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("expected %d digits, got %q", CodeLength, code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in code %q", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("codes do not vary")
	}
}

func TestRecordExpiredAndMatches(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec := &Record{Code: "042317", ExpiresAt: now.Add(DefaultExpiry)}

	if rec.Expired(now) {
		t.Error("fresh code reported expired")
	}
	if !rec.Expired(now.Add(DefaultExpiry)) {
		t.Error("code should expire at ExpiresAt")
	}
	if !rec.Matches("042317") {
		t.Error("expected match")
	}
	for _, bad := range []string{"42317", "042318", "", "0423170"} {
		if rec.Matches(bad) {
			t.Errorf("unexpected match for %q", bad)
		}
	}
}
