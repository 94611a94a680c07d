package index

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
)

// CanonicalMessage renders the byte string a beneficiary signs over when
// committing to negotiated terms. Both wallet families sign the same text so
// terms cannot be replayed across quotes.
func (q *Quote) CanonicalMessage() []byte {
	return []byte(fmt.Sprintf("otcdesk quote %s: amount=%s discount_bps=%d currency=%s lockup_secs=%d",
		q.ID, q.TokenAmount, q.DiscountBps, strings.ToLower(q.Currency), q.LockupSecs))
}

// VerifyQuoteSignature checks the quote's beneficiary signature. Quotes
// without a signature pass; the worker's matching predicate only requires a
// signature to verify when one is present.
func VerifyQuoteSignature(q *Quote) error {
	if q == nil {
		return fmt.Errorf("index: nil quote")
	}
	sig := strings.TrimSpace(q.Signature)
	if sig == "" {
		return nil
	}
	switch q.SignatureKind {
	case SignatureKindEVM:
		return verifyEVMSignature(q, sig)
	case SignatureKindEd25519:
		return verifyEd25519Signature(q, sig)
	default:
		return fmt.Errorf("index: unknown signature kind %q", q.SignatureKind)
	}
}

// verifyEVMSignature recovers the signer from an EIP-191 personal-sign
// signature and compares it against the quote's beneficiary.
func verifyEVMSignature(q *Quote, sig string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return fmt.Errorf("index: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return fmt.Errorf("index: signature must be 65 bytes, got %d", len(raw))
	}
	// Wallets emit V as 27/28; recovery wants 0/1.
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	digest := accounts.TextHash(q.CanonicalMessage())
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return fmt.Errorf("index: recover signer: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), strings.TrimSpace(q.Beneficiary)) {
		return fmt.Errorf("index: signature by %s, quote beneficiary is %s", recovered.Hex(), q.Beneficiary)
	}
	return nil
}

// verifyEd25519Signature checks a base58 Solana wallet signature against the
// beneficiary public key.
func verifyEd25519Signature(q *Quote, sig string) error {
	pub, err := solanago.PublicKeyFromBase58(strings.TrimSpace(q.Beneficiary))
	if err != nil {
		return fmt.Errorf("index: beneficiary public key: %w", err)
	}
	decoded, err := solanago.SignatureFromBase58(sig)
	if err != nil {
		return fmt.Errorf("index: decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), q.CanonicalMessage(), decoded[:]) {
		return fmt.Errorf("index: ed25519 signature does not verify for %s", q.Beneficiary)
	}
	return nil
}
