package validate

import (
	"strings"
	"testing"

	"github.com/healthlane/rxledger/internal/errs"
)

func TestIDAccepted(t *testing.T) {
	for _, id := range []string{"rx-001", "PAT_42", "a", strings.Repeat("x", 128), "doc.jones"} {
		if err := ID("id", id); err != nil {
			t.Errorf("ID(%q) = %v, want nil", id, err)
		}
	}
}

func TestIDRejected(t *testing.T) {
	cases := []struct {
		name  string
		value string
		code  string
	}{
		{"empty", "", errs.CodeMissingField},
		{"too long", strings.Repeat("x", 129), errs.CodeInvalidField},
		{"leading space", " rx-1", errs.CodeInvalidField},
		{"trailing space", "rx-1 ", errs.CodeInvalidField},
		{"quote", `rx"1`, errs.CodeInvalidField},
		{"semicolon", "rx;drop", errs.CodeInvalidField},
		{"angle bracket", "rx<script>", errs.CodeInvalidField},
		{"dollar", "rx$1", errs.CodeInvalidField},
		{"backslash", `rx\1`, errs.CodeInvalidField},
		{"control char", "rx\x01", errs.CodeInvalidField},
		{"newline", "rx\n1", errs.CodeInvalidField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ID("id", tc.value)
			if err == nil {
				t.Fatalf("ID(%q) = nil, want error", tc.value)
			}
			if !errs.IsKind(err, errs.KindValidation) {
				t.Errorf("kind = %v, want validation", errs.KindOf(err))
			}
			if errs.CodeOf(err) != tc.code {
				t.Errorf("code = %s, want %s", errs.CodeOf(err), tc.code)
			}
		})
	}
}

func TestNonEmpty(t *testing.T) {
	if err := NonEmpty("reason", "expired insurance"); err != nil {
		t.Errorf("NonEmpty = %v, want nil", err)
	}
	if err := NonEmpty("reason", "   "); err == nil {
		t.Error("whitespace-only value accepted")
	}
}

func TestPositive(t *testing.T) {
	if err := Positive("duration", 0.5); err != nil {
		t.Errorf("Positive(0.5) = %v, want nil", err)
	}
	for _, v := range []float64{0, -1} {
		if err := Positive("duration", v); err == nil {
			t.Errorf("Positive(%v) = nil, want error", v)
		}
	}
}

func TestNonNegative(t *testing.T) {
	for _, v := range []int{0, 3} {
		if err := NonNegative("refillsAllowed", v); err != nil {
			t.Errorf("NonNegative(%d) = %v, want nil", v, err)
		}
	}
	if err := NonNegative("refillsAllowed", -1); err == nil {
		t.Error("NonNegative(-1) = nil, want error")
	}
}
