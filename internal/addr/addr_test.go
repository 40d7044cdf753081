package addr

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	factory, _ := Parse("0x00000000000000000000000000000000000000f1")
	owner, _ := Parse("0x00000000000000000000000000000000000000a1")
	tmpl := TemplateHash("club-token-v1")

	first := Derive(factory, owner, tmpl)
	second := Derive(factory, owner, tmpl)
	if first != second {
		t.Fatalf("derive not deterministic: %s != %s", first, second)
	}
	if first.IsZero() {
		t.Fatal("derived address is zero")
	}
}

func TestDeriveInputSensitivity(t *testing.T) {
	factory, _ := Parse("0x00000000000000000000000000000000000000f1")
	owner, _ := Parse("0x00000000000000000000000000000000000000a1")
	other, _ := Parse("0x00000000000000000000000000000000000000a2")
	tmpl := TemplateHash("club-token-v1")

	base := Derive(factory, owner, tmpl)
	if got := Derive(factory, other, tmpl); got == base {
		t.Fatal("different owners derived the same address")
	}
	if got := Derive(owner, factory, tmpl); got == base {
		t.Fatal("swapping factory and owner derived the same address")
	}
	if got := Derive(factory, owner, TemplateHash("club-token-v2")); got == base {
		t.Fatal("different templates derived the same address")
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"0x00000000000000000000000000000000000000a1",
		"00000000000000000000000000000000000000A1",
	}
	for _, in := range cases {
		a, err := Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		again, err := Parse(a.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", a, err)
		}
		if a != again {
			t.Fatalf("round trip mismatch: %s != %s", a, again)
		}
		if !strings.HasPrefix(a.String(), "0x") {
			t.Fatalf("missing 0x prefix: %s", a)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "0x1234", "0xzz000000000000000000000000000000000000aa", "not-an-address"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestFromPublicKeyStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	a := FromPublicKey(pub)
	if a.IsZero() {
		t.Fatal("address from public key is zero")
	}
	if a != FromPublicKey(pub) {
		t.Fatal("address from public key not stable")
	}
}
