package broker

import "testing"

func TestIdentityVersionlessEqualityAndFallback(t *testing.T) {
	versioned := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	if versioned.Versionless() {
		t.Fatal("versioned identity reported as versionless")
	}
	versionless := NewIdentity("Calc")
	if !versionless.Versionless() {
		t.Fatal("versionless identity reported as versioned")
	}
	if versioned.versionlessOf() != versionless {
		t.Fatal("versionlessOf did not strip the version")
	}
}

func TestIdentityEqual(t *testing.T) {
	a := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	b := NewVersionedIdentity("Calc", NewVersion(1, 0, 0))
	c := NewVersionedIdentity("Calc", NewVersion(1, 1, 0))
	if !a.Equal(b) {
		t.Fatal("expected equal identities")
	}
	if a.Equal(c) {
		t.Fatal("expected different versions to be unequal")
	}
}

func TestIdentityString(t *testing.T) {
	if got := NewIdentity("Calc").String(); got != "Calc" {
		t.Fatalf("expected \"Calc\", got %q", got)
	}
	versioned := NewVersionedIdentity("Calc", NewVersion(1, 2, 3))
	if got := versioned.String(); got != "Calc/1.2.3" {
		t.Fatalf("expected \"Calc/1.2.3\", got %q", got)
	}
}

func TestParseIdentityRoundTrip(t *testing.T) {
	cases := []Identity{
		NewIdentity("Calc"),
		NewVersionedIdentity("Calc", NewVersion(1, 2, 3)),
	}
	for _, id := range cases {
		parsed, err := ParseIdentity(id.String())
		if err != nil {
			t.Fatalf("ParseIdentity(%s): %v", id, err)
		}
		if !parsed.Equal(id) {
			t.Fatalf("round trip mismatch: %s != %s", parsed, id)
		}
	}
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	cases := []string{"", "/1.0.0", "Calc/1.0", "Calc/1.0.x"}
	for _, s := range cases {
		if _, err := ParseIdentity(s); err == nil {
			t.Fatalf("expected error parsing %q", s)
		}
	}
}
