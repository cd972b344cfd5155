package remote

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/entitled/internal/storefront"
)

// Transactions and renewal info cross the wire as signed envelopes:
// three base64url segments, header.payload.signature, signed with the
// platform's Ed25519 key over "header.payload". The signature verdict
// becomes the verification verdict; a bad envelope is data, not an error.

const envelopeAlg = "EdDSA"

type envelopeHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
}

// Verifier checks envelope signatures against the platform public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier parses a base64 (standard encoding) Ed25519 public key.
func NewVerifier(publicKey string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{key: ed25519.PublicKey(raw)}, nil
}

// DecodeTransaction unwraps a transaction envelope. The result is
// Unverified, never an error, when the envelope is malformed or the
// signature does not check out.
func (v *Verifier) DecodeTransaction(envelope string) storefront.VerificationResult[storefront.Transaction] {
	return decodeEnvelope[storefront.Transaction](v, envelope)
}

// DecodeRenewalInfo unwraps a renewal-info envelope.
func (v *Verifier) DecodeRenewalInfo(envelope string) storefront.VerificationResult[storefront.RenewalInfo] {
	return decodeEnvelope[storefront.RenewalInfo](v, envelope)
}

func decodeEnvelope[T any](v *Verifier, envelope string) storefront.VerificationResult[T] {
	var zero T

	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return storefront.Unverified(zero, "malformed envelope")
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return storefront.Unverified(zero, "malformed envelope")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return storefront.Unverified(zero, "malformed envelope")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return storefront.Unverified(zero, "malformed envelope")
	}

	var header envelopeHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return storefront.Unverified(zero, "malformed envelope")
	}
	if header.Alg != envelopeAlg {
		return storefront.Unverified(zero, fmt.Sprintf("unsupported algorithm %q", header.Alg))
	}

	verified := v != nil && ed25519.Verify(v.key, []byte(parts[0]+"."+parts[1]), signature)

	var value T
	if err := json.Unmarshal(payloadRaw, &value); err != nil {
		return storefront.Unverified(zero, "malformed payload")
	}
	if !verified {
		if v == nil {
			return storefront.Unverified(value, "no verification key configured")
		}
		return storefront.Unverified(value, "invalid signature")
	}
	return storefront.Verified(value)
}

// SignEnvelope builds a signed envelope for the given payload. Used by
// development servers and tests; production envelopes come pre-signed
// from the platform.
func SignEnvelope(key ed25519.PrivateKey, kid string, payload interface{}) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", errors.New("signing key must be an Ed25519 private key")
	}
	headerRaw, err := json.Marshal(envelopeHeader{Alg: envelopeAlg, Kid: kid})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	signature := ed25519.Sign(key, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
