package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultSignatureWindow bounds how long a QR signature stays valid after the
// signed timestamp. Stale or leaked signatures are rejected past the window;
// very slow deliveries must regenerate proof.
const DefaultSignatureWindow = 24 * time.Hour

// QRPayload is the canonical triple bound by a QR signature. Timestamp is the
// transaction creation time as epoch milliseconds, so the QR can be
// re-verified from the transaction record alone.
type QRPayload struct {
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Timestamp     int64   `json:"timestamp"`
}

// QRCode bundles the payload, its signature and a base64 encoding of both for
// client-side rendering.
type QRCode struct {
	Payload   QRPayload `json:"payload"`
	Signature string    `json:"signature"`
	Encoded   string    `json:"encoded"`
}

// Signer computes and verifies HMAC-SHA256 signatures over the canonical QR
// payload using a shared secret. Deterministic: the same triple always yields
// the same signature.
type Signer struct {
	secret []byte
	maxAge time.Duration
}

// NewSigner builds a signer with the default 24 hour freshness window.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: append([]byte(nil), secret...), maxAge: DefaultSignatureWindow}
}

// SetMaxAge overrides the freshness window. Non-positive values disable the
// expiry check; primarily intended for tests.
func (s *Signer) SetMaxAge(d time.Duration) { s.maxAge = d }

// Sign serialises the payload in fixed field order and returns the hex HMAC
// digest.
func (s *Signer) Sign(p QRPayload) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%.2f|%d", p.TransactionID, p.Amount, p.Timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it to the supplied value. The
// comparison checks length first and then compares in constant time, so the
// mismatch position leaks nothing. A payload older than the freshness window
// is rejected even when the signature itself matches.
func (s *Signer) Verify(p QRPayload, signature string, now time.Time) error {
	supplied, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errInvalidSignature("signature is not valid hex")
	}
	expected, err := hex.DecodeString(s.Sign(p))
	if err != nil {
		return errInvalidSignature("signature recompute failed")
	}
	if len(supplied) != len(expected) {
		return errInvalidSignature("signature mismatch")
	}
	if !hmac.Equal(supplied, expected) {
		return errInvalidSignature("signature mismatch")
	}
	if s.maxAge > 0 {
		signed := time.UnixMilli(p.Timestamp)
		if now.Sub(signed) > s.maxAge {
			return errInvalidSignature("signature expired")
		}
	}
	return nil
}

// NewQRCode signs the payload and produces the combined base64 encoding.
func (s *Signer) NewQRCode(p QRPayload) (QRCode, error) {
	sig := s.Sign(p)
	combined, err := json.Marshal(struct {
		QRPayload
		Signature string `json:"signature"`
	}{QRPayload: p, Signature: sig})
	if err != nil {
		return QRCode{}, err
	}
	return QRCode{
		Payload:   p,
		Signature: sig,
		Encoded:   base64.StdEncoding.EncodeToString(combined),
	}, nil
}
