package enum

import "testing"

func TestStatusNamesAreUnique(t *testing.T) {
	seen := make(map[string]StatusCode)
	for _, s := range AllStatuses() {
		name := s.String()
		if prev, ok := seen[name]; ok {
			t.Fatalf("codes %d and %d share name %q", prev, s, name)
		}
		seen[name] = s
	}
	if len(seen) != len(statusNames) {
		t.Fatalf("AllStatuses returned %d codes, want %d", len(seen), len(statusNames))
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range AllStatuses() {
		got, ok := ParseStatus(s.String())
		if !ok {
			t.Fatalf("ParseStatus(%q) not found", s.String())
		}
		if got != s {
			t.Errorf("ParseStatus(%q) = %d, want %d", s.String(), got, s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	testCases := []struct {
		in     string
		want   StatusCode
		wantOK bool
	}{
		{"preparing", StatusPreparing, true},
		{" Delivered ", StatusDelivered, true},
		{"READY", StatusStandby, true},
		{"COOKING", 0, false},
		{"", 0, false},
	}
	for _, tc := range testCases {
		got, ok := ParseStatus(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("ParseStatus(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestUnknownStatus(t *testing.T) {
	s := StatusCode(42)
	if s.Valid() {
		t.Fatal("code 42 should not be valid")
	}
	if s.String() != "UNKNOWN" {
		t.Errorf("String() = %q, want UNKNOWN", s.String())
	}
}

func TestTerminal(t *testing.T) {
	if StatusPreparing.Terminal() {
		t.Error("PREPARING is not terminal")
	}
	if !StatusRejected.Terminal() {
		t.Error("REJECTED is terminal")
	}
}
