package identity

import "testing"

func TestSeedDerivationIsDeterministic(t *testing.T) {
	// Base58 of 32 zero bytes.
	const seedStr = "11111111111111111111111111111111"

	seed, err := ParseSeed(seedStr)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}

	id1 := New(seed)
	id2 := New(seed)

	if id1.ShortID != id2.ShortID {
		t.Fatalf("ShortID not deterministic: %q vs %q", id1.ShortID, id2.ShortID)
	}
	if id1.FullID != id2.FullID {
		t.Fatalf("FullID not deterministic: %q vs %q", id1.FullID, id2.FullID)
	}
	if len(id1.ShortID) != ShortIDLen {
		t.Fatalf("ShortID length = %d, want %d", len(id1.ShortID), ShortIDLen)
	}
	if len(id1.FullID) != 40 {
		t.Fatalf("FullID length = %d, want 40", len(id1.FullID))
	}
	if id1.ShortID != id1.FullID[:ShortIDLen] {
		t.Fatalf("ShortID %q is not a prefix of FullID %q", id1.ShortID, id1.FullID)
	}
}

func TestRoundTripSeedEncoding(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed: %v", err)
	}
	encoded := seed.String()
	decoded, err := ParseSeed(encoded)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if decoded != seed {
		t.Fatalf("round trip mismatch: %x vs %x", decoded, seed)
	}
}

func TestInfoHashRealmIsolation(t *testing.T) {
	a := InfoHashHex("app-a", "room-1")
	b := InfoHashHex("app-b", "room-1")
	if a == b {
		t.Fatalf("different realms produced the same InfoHash: %q", a)
	}
	if InfoHashHex("app-a", "room-1") != a {
		t.Fatalf("InfoHash not deterministic")
	}
}

func TestIDsMatchSymmetricPrefix(t *testing.T) {
	full := "abcdef1234abcdef1234abcdef1234abcdef1234"
	short := full[:ShortIDLen]

	if !IDsMatch(full, short) {
		t.Fatalf("expected FullID to match its own ShortID prefix")
	}
	if !IDsMatch(short, full) {
		t.Fatalf("expected ShortID to match its own FullID prefix (symmetric)")
	}
	if IDsMatch(full, "abce"+full[4:ShortIDLen]) {
		t.Fatalf("expected mismatched prefix to be rejected")
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	msg := []byte("hello")
	sig := id.KeyPair.Sign(msg)
	if !Verify(id.KeyPair.Public, msg, sig) {
		t.Fatalf("valid signature failed to verify")
	}
	sig[0] ^= 0xFF
	if Verify(id.KeyPair.Public, msg, sig) {
		t.Fatalf("mutated signature verified")
	}
}
