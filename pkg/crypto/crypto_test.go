package crypto

import (
	"testing"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("klingnet"))
	b := Hash([]byte("klingnet"))
	if a != b {
		t.Fatal("same input produced different digests")
	}
	if a == Hash([]byte("klingnet!")) {
		t.Fatal("different input produced same digest")
	}
}

func TestHashConcat_OrderMatters(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Fatal("HashConcat should not be commutative")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := Hash([]byte("payload"))
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifySignature(digest[:], sig, key.PublicKey()) {
		t.Fatal("valid signature rejected")
	}

	other := Hash([]byte("other"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Fatal("signature verified against wrong digest")
	}
	if VerifySignature(digest[:], sig[:10], key.PublicKey()) {
		t.Fatal("truncated signature accepted")
	}
}

func TestSign_BadDigestLength(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Fatal("expected error for short digest")
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, _ := GenerateKey()
	addr := AddressFromPubKey(key.PublicKey())
	h := Hash(key.PublicKey())
	for i := range addr {
		if addr[i] != h[i] {
			t.Fatalf("address byte %d mismatch", i)
		}
	}
}
