package api

import "testing"

func TestPairingCodePattern(t *testing.T) {
	valid := []string{"ABCD1234", "a", "abc-def_123", "123456789012345678901234567890123456789012345678901234567890ab"}
	for _, v := range valid {
		if !pairingCodeRe.MatchString(v) {
			t.Errorf("expected %q to match pairing code pattern", v)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "quote'd", "toolong-0123456789012345678901234567890123456789012345678901234567890123456789"}
	for _, v := range invalid {
		if pairingCodeRe.MatchString(v) {
			t.Errorf("expected %q not to match pairing code pattern", v)
		}
	}
}
