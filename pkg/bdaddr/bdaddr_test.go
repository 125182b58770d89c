package bdaddr

import "testing"

func TestParseRoundTrip(t *testing.T) {
	a, err := Parse("00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// stored little-endian: least significant byte first.
	want := BDAddr{0x55, 0x44, 0x33, 0x22, 0x11, 0x00}
	if a != want {
		t.Fatalf("Parse order mismatch: got %v want %v", a, want)
	}
	if s := a.String(); s != "00:11:22:33:44:55" {
		t.Fatalf("String: got %q", s)
	}
}

func TestParseLowercase(t *testing.T) {
	a, err := Parse("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s := a.String(); s != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("String: got %q", s)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"not-an-address",
		"00:11:22:33:44",
		"00:11:22:33:44:5",
		"00:11:22:33:44:555",
		"00-11-22-33-44-55",
		"0g:11:22:33:44:55",
		"00:11:22:33:44:55:",
	} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}

func TestIsZero(t *testing.T) {
	if !Any.IsZero() {
		t.Fatal("Any.IsZero() = false")
	}
	a, _ := Parse("00:00:00:00:00:01")
	if a.IsZero() {
		t.Fatal("nonzero address reported zero")
	}
}
