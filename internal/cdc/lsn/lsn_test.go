package lsn

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	tests := []struct {
		text string
		want LSN
	}{
		{"16/B374D848", 0x16B374D848},
		{"0/0", 0},
		{"0/1A2B3C4D", 0x1A2B3C4D},
		{"FFFFFFFF/FFFFFFFF", 0xFFFFFFFFFFFFFFFF},
		{"a/1", 0xA00000001},
	}
	for _, tt := range tests {
		got, err := Parse(tt.text)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.text, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %#x, want %#x", tt.text, uint64(got), uint64(tt.want))
		}
		if back, err := Parse(Format(got)); err != nil || back != got {
			t.Errorf("Parse(Format(%#x)) = %#x, %v", uint64(got), uint64(back), err)
		}
	}
}

func TestStringCanonicalForm(t *testing.T) {
	got := LSN(0x16B374D848).String()
	want := "16/B374D848"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	bad := []string{"", "16B374D848", "/100", "100/", "16/B374D848/1", "ZZZZ/0", "123456789/0", "0/123456789"}
	for _, text := range bad {
		if _, err := Parse(text); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", text)
		}
	}
}

func TestRoundTripAllOverUint64(t *testing.T) {
	for _, n := range []LSN{0, 1, 0xFFFFFFFF, 0x100000000, 0xFFFFFFFFFFFFFFFF, 0x16B374D848} {
		text := n.String()
		got, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", text, err)
		}
		if got != n {
			t.Errorf("round trip %#x -> %q -> %#x", uint64(n), text, uint64(got))
		}
	}
}

func TestValid(t *testing.T) {
	if LSN(0).Valid() {
		t.Error("zero LSN should not be valid")
	}
	if !LSN(1).Valid() {
		t.Error("non-zero LSN should be valid")
	}
}
