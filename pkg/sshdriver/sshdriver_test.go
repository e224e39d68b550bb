package sshdriver

import (
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestSplitRemotePath(t *testing.T) {
	cases := []struct {
		path    string
		dir     string
		name    string
	}{
		{"/root/agentrt/config.yaml", "/root/agentrt/", "config.yaml"},
		{"config.yaml", "./", "config.yaml"},
		{"/etc/agent/auth.json", "/etc/agent/", "auth.json"},
	}

	for _, c := range cases {
		dir, name := splitRemotePath(c.path)
		if dir != c.dir || name != c.name {
			t.Errorf("splitRemotePath(%q) = (%q, %q), want (%q, %q)", c.path, dir, name, c.dir, c.name)
		}
	}
}

func TestFingerprintOfIsStable(t *testing.T) {
	// fingerprintOf must be a pure function of the key bytes so TOFU
	// comparisons are deterministic across reconnects.
	key := &fakePublicKey{marshaled: []byte("same-key-bytes")}
	a := fingerprintOf(key)
	b := fingerprintOf(key)
	if a != b {
		t.Errorf("fingerprintOf is not stable: %q != %q", a, b)
	}
}

type fakePublicKey struct {
	marshaled []byte
}

func (k *fakePublicKey) Type() string    { return "fake" }
func (k *fakePublicKey) Marshal() []byte { return k.marshaled }
func (k *fakePublicKey) Verify(data []byte, sig *ssh.Signature) error { return nil }
