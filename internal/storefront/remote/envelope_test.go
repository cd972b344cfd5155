package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeys(t *testing.T) (ed25519.PrivateKey, *Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier, err := NewVerifier(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	return priv, verifier
}

func TestEnvelopeRoundTrip(t *testing.T) {
	priv, verifier := newTestKeys(t)

	expiry := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tx := storefront.Transaction{
		ID:           "tx-1",
		OriginalID:   "tx-1",
		ProductID:    "plan.basic",
		ProductType:  storefront.ProductTypeAutoRenewable,
		PurchaseDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:    &expiry,
		Quantity:     1,
	}

	envelope, err := SignEnvelope(priv, "key-1", tx)
	require.NoError(t, err)

	vr := verifier.DecodeTransaction(envelope)
	require.True(t, vr.Verified, "reason: %s", vr.Reason)
	assert.Equal(t, tx.ID, vr.Value.ID)
	assert.Equal(t, tx.ProductID, vr.Value.ProductID)
	require.NotNil(t, vr.Value.ExpiresAt)
	assert.True(t, expiry.Equal(*vr.Value.ExpiresAt))
}

func TestEnvelopeRenewalInfoRoundTrip(t *testing.T) {
	priv, verifier := newTestKeys(t)

	info := storefront.RenewalInfo{
		ProductID:          "plan.basic",
		AutoRenewOn:        true,
		AutoRenewProductID: "plan.pro",
	}
	envelope, err := SignEnvelope(priv, "key-1", info)
	require.NoError(t, err)

	vr := verifier.DecodeRenewalInfo(envelope)
	require.True(t, vr.Verified)
	assert.Equal(t, "plan.pro", vr.Value.AutoRenewProductID)
	assert.True(t, vr.Value.AutoRenewOn)
}

func TestEnvelopeTamperedPayload(t *testing.T) {
	priv, verifier := newTestKeys(t)

	envelope, err := SignEnvelope(priv, "key-1", storefront.Transaction{ID: "tx-1", ProductID: "plan.basic"})
	require.NoError(t, err)

	forged, err := json.Marshal(storefront.Transaction{ID: "tx-1", ProductID: "plan.everything"})
	require.NoError(t, err)
	parts := splitEnvelope(t, envelope)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	vr := verifier.DecodeTransaction(tampered)
	assert.False(t, vr.Verified)
	assert.Equal(t, "invalid signature", vr.Reason)
	// The forged value still comes back so callers can log what was claimed.
	assert.Equal(t, "plan.everything", vr.Value.ProductID)
}

func TestEnvelopeWrongKey(t *testing.T) {
	priv, _ := newTestKeys(t)
	_, otherVerifier := newTestKeys(t)

	envelope, err := SignEnvelope(priv, "key-1", storefront.Transaction{ID: "tx-1"})
	require.NoError(t, err)

	vr := otherVerifier.DecodeTransaction(envelope)
	assert.False(t, vr.Verified)
	assert.Equal(t, "invalid signature", vr.Reason)
}

func TestEnvelopeMalformed(t *testing.T) {
	_, verifier := newTestKeys(t)

	for _, envelope := range []string{"", "garbage", "a.b", "a.b.c.d", "!!!.???.***"} {
		vr := verifier.DecodeTransaction(envelope)
		assert.False(t, vr.Verified, "envelope %q", envelope)
		assert.Equal(t, "malformed envelope", vr.Reason, "envelope %q", envelope)
	}
}

func TestEnvelopeUnsupportedAlgorithm(t *testing.T) {
	priv, verifier := newTestKeys(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
	sig := ed25519.Sign(priv, []byte(header+"."+payload))
	envelope := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)

	vr := verifier.DecodeTransaction(envelope)
	assert.False(t, vr.Verified)
	assert.Contains(t, vr.Reason, "unsupported algorithm")
}

func TestEnvelopeMalformedPayload(t *testing.T) {
	priv, verifier := newTestKeys(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte("not json at all"))
	sig := ed25519.Sign(priv, []byte(header+"."+payload))
	envelope := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)

	vr := verifier.DecodeTransaction(envelope)
	assert.False(t, vr.Verified)
	assert.Equal(t, "malformed payload", vr.Reason)
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	_, err := NewVerifier("not base64!!!")
	assert.Error(t, err)

	_, err = NewVerifier(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
}

func splitEnvelope(t *testing.T, envelope string) []string {
	t.Helper()
	parts := strings.Split(envelope, ".")
	require.Len(t, parts, 3)
	return parts
}
