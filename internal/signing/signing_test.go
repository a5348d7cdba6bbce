package signing

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/identity"
)

func newTestVerifier(t *testing.T, ids ...*identity.Identity) *Verifier {
	t.Helper()
	roster := identity.NewRoster()
	for _, id := range ids {
		roster.AddKey(id.NodeID, id.PublicKey)
	}
	return NewVerifier(roster, NewMemoryNonceStore(time.Minute, 0), 5*time.Minute)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	body := []byte(`{"agentId":"node-a","model":"llama3:8b","os":"linux"}`)
	sig, err := SignRequest(id, "POST", "/pull", body)
	require.NoError(t, err)

	caller, err := v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body)
	require.NoError(t, err)
	assert.Equal(t, "node-a", caller)
}

func TestReplayRejected(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	body := []byte(`{}`)
	sig, err := SignRequest(id, "POST", "/pull", body)
	require.NoError(t, err)

	_, err = v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body)
	require.NoError(t, err)

	_, err = v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body)
	require.Error(t, err)
	assert.Equal(t, apierr.KindSignatureReplay, apierr.KindOf(err))
}

func TestTamperedBodyRejected(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	sig, err := SignRequest(id, "POST", "/result", []byte(`{"ok":true}`))
	require.NoError(t, err)

	_, err = v.Verify(sig.PeerID, "POST", "/result", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, []byte(`{"ok":false}`))
	require.Error(t, err)
	assert.Equal(t, apierr.KindSignatureBodyMismatch, apierr.KindOf(err))
}

func TestStaleTimestampRejected(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	roster := identity.NewRoster()
	roster.AddKey(id.NodeID, id.PublicKey)
	v := NewVerifier(roster, NewMemoryNonceStore(time.Minute, 0), time.Second)

	body := []byte(`{}`)
	old := time.Now().Add(-time.Minute).UnixMilli()
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	bodySha := BodyHash(body)
	payload := CanonicalPayload(id.NodeID, "POST", "/pull", old, nonce, bodySha)

	_, err = v.Verify(id.NodeID, "POST", "/pull", old, nonce, bodySha, id.Sign(payload), body)
	require.Error(t, err)
	assert.Equal(t, apierr.KindSignatureExpired, apierr.KindOf(err))
}

func TestUntrustedPeerRejected(t *testing.T) {
	known, err := identity.Generate("node-a")
	require.NoError(t, err)
	stranger, err := identity.Generate("node-z")
	require.NoError(t, err)
	v := newTestVerifier(t, known)

	body := []byte(`{}`)
	sig, err := SignRequest(stranger, "POST", "/pull", body)
	require.NoError(t, err)

	_, err = v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body)
	require.Error(t, err)
	assert.Equal(t, apierr.KindUntrustedPeer, apierr.KindOf(err))
}

func TestWrongKeyRejected(t *testing.T) {
	id, err := identity.Generate("node-a")
	require.NoError(t, err)
	imposter, err := identity.Generate("node-a") // same ID, different key
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	body := []byte(`{}`)
	sig, err := SignRequest(imposter, "POST", "/pull", body)
	require.NoError(t, err)

	_, err = v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body)
	require.Error(t, err)
	assert.Equal(t, apierr.KindSignatureInvalid, apierr.KindOf(err))
}

func TestQueryStringExcludedFromPayload(t *testing.T) {
	a := CanonicalPayload("p", "GET", "/mesh/capabilities?model=llama3:8b", 1000, "n", "h")
	b := CanonicalPayload("p", "GET", "/mesh/capabilities", 1000, "n", "h")
	assert.Equal(t, a, b)
}

func TestCanonicalPayloadUppercasesMethod(t *testing.T) {
	a := CanonicalPayload("p", "post", "/task", 1000, "n", "h")
	b := CanonicalPayload("p", "POST", "/task", 1000, "n", "h")
	assert.Equal(t, a, b)
}

func TestMiddlewareAcceptsSignedAndRejectsReplay(t *testing.T) {
	id, err := identity.Generate("agent-7")
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	var sawCaller string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawCaller, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"agentId":"agent-7"}`)
	sig, err := SignRequest(id, "POST", "/pull", body)
	require.NoError(t, err)

	makeReq := func() *http.Request {
		req := httptest.NewRequest("POST", "/pull", bytes.NewReader(body))
		sig.Apply(req.Header, HeaderAgentID)
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, makeReq())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", sawCaller)

	// Same headers and body again: replay.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, makeReq())
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp apierr.Error
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apierr.KindSignatureReplay, resp.Kind)
}

func TestMiddlewareRejectsMissingHeaders(t *testing.T) {
	id, err := identity.Generate("agent-7")
	require.NoError(t, err)
	v := newTestVerifier(t, id)

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/pull", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonceStore(t *testing.T) {
	s := NewMemoryNonceStore(50*time.Millisecond, 0)

	assert.False(t, s.Exists("n1"))
	assert.True(t, s.Insert("n1", "node-a"))
	assert.True(t, s.Exists("n1"))
	assert.False(t, s.Insert("n1", "node-b"))

	time.Sleep(80 * time.Millisecond)
	s.Prune()
	assert.False(t, s.Exists("n1"))
	assert.True(t, s.Insert("n1", "node-a"))
}

func BenchmarkSignVerify(b *testing.B) {
	id, err := identity.Generate("bench")
	if err != nil {
		b.Fatal(err)
	}
	roster := identity.NewRoster()
	roster.AddKey(id.NodeID, id.PublicKey)
	body := bytes.Repeat([]byte("x"), 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v := NewVerifier(roster, NewMemoryNonceStore(time.Minute, 0), 5*time.Minute)
		sig, err := SignRequest(id, "POST", "/pull", body)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := v.Verify(sig.PeerID, "POST", "/pull", sig.TimestampMs, sig.Nonce, sig.BodySha256, sig.Signature, body); err != nil {
			b.Fatal(err)
		}
	}
}
