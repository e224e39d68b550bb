package provider

import "testing"

func TestKeyUsageRemaining(t *testing.T) {
	u := KeyUsage{UsageUSD: 7.5, LimitUSD: 25}
	if got, want := u.Remaining(), 17.5; got != want {
		t.Errorf("Remaining() = %v, want %v", got, want)
	}
}
