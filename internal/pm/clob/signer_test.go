package clob

import (
	"encoding/hex"
	"strings"
	"testing"
)

// Throwaway key, well known from local devnets. Never funded on mainnet.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testKey, 137)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestNewSignerDerivesAddress(t *testing.T) {
	s := testSigner(t)
	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if got := s.Address().Hex(); got != want {
		t.Fatalf("address = %s, want %s", got, want)
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner("not-a-key", 137); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestSignAuthProducesRecoverableSignature(t *testing.T) {
	s := testSigner(t)
	sig, err := s.SignAuth(1756600000, 0)
	if err != nil {
		t.Fatalf("sign auth: %v", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		t.Fatalf("signature not hex: %v", err)
	}
	if len(raw) != 65 {
		t.Fatalf("signature length = %d, want 65", len(raw))
	}
	if v := raw[64]; v != 27 && v != 28 {
		t.Fatalf("recovery byte = %d, want 27 or 28", v)
	}
	// Deterministic signing: the same message signs identically.
	again, err := s.SignAuth(1756600000, 0)
	if err != nil {
		t.Fatalf("sign auth again: %v", err)
	}
	if again != sig {
		t.Fatal("signatures differ for identical auth messages")
	}
}

func TestSignOrderFillsSignature(t *testing.T) {
	s := testSigner(t)
	addr := s.Address().Hex()
	order := &signedOrder{
		Salt:        "12345",
		Maker:       addr,
		Signer:      addr,
		Taker:       zeroAddress,
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "50000000",
		TakerAmount: "100000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        string(SideBuy),
	}
	if err := s.SignOrder(order, 0); err != nil {
		t.Fatalf("sign order: %v", err)
	}
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 2+130 {
		t.Fatalf("unexpected signature %q", order.Signature)
	}

	// Flipping the side changes the digest and therefore the signature.
	sell := *order
	sell.Signature = ""
	if err := s.SignOrder(&sell, 1); err != nil {
		t.Fatalf("sign sell order: %v", err)
	}
	if sell.Signature == order.Signature {
		t.Fatal("buy and sell signatures must differ")
	}
}

func TestSignOrderRejectsMalformedNumbers(t *testing.T) {
	s := testSigner(t)
	order := &signedOrder{
		Salt:        "not-a-number",
		Maker:       s.Address().Hex(),
		Signer:      s.Address().Hex(),
		Taker:       zeroAddress,
		TokenID:     "1",
		MakerAmount: "1",
		TakerAmount: "1",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}
	if err := s.SignOrder(order, 0); err == nil {
		t.Fatal("expected error for malformed salt")
	}
}

func TestOrderAmounts(t *testing.T) {
	maker, taker := orderAmounts(SideBuy, 0.5, 100)
	if maker != "50000000" || taker != "100000000" {
		t.Fatalf("buy amounts = %s/%s, want 50000000/100000000", maker, taker)
	}
	maker, taker = orderAmounts(SideSell, 0.5, 100)
	if maker != "100000000" || taker != "50000000" {
		t.Fatalf("sell amounts = %s/%s, want 100000000/50000000", maker, taker)
	}
	// Notional rounds down so the signed amount never exceeds the balance.
	maker, _ = orderAmounts(SideBuy, 0.333, 10.5)
	if maker != "3496500" {
		t.Fatalf("buy maker = %s, want 3496500", maker)
	}
}
