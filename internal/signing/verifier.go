package signing

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/identity"
)

type contextKey string

const callerKey contextKey = "verifiedCaller"

// CallerFromContext returns the peer ID a verified request was signed by.
func CallerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey).(string)
	return id, ok
}

// Verifier authenticates inbound signed requests against the trusted
// roster and the nonce store.
type Verifier struct {
	roster  *identity.Roster
	nonces  NonceStore
	maxSkew time.Duration
}

// NewVerifier builds a verifier. maxSkew 0 defaults to 5 minutes.
func NewVerifier(roster *identity.Roster, nonces NonceStore, maxSkew time.Duration) *Verifier {
	if maxSkew == 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{roster: roster, nonces: nonces, maxSkew: maxSkew}
}

// Verify checks one signed request. Returns the caller's peer ID on
// success, or an apierr carrying the exact failure kind.
func (v *Verifier) Verify(peerID, method, path string, timestampMs int64, nonce, bodySha256, signature string, body []byte) (string, error) {
	if peerID == "" || nonce == "" || signature == "" {
		return "", apierr.New(apierr.KindSignatureInvalid, "missing signature headers")
	}

	actual := BodyHash(body)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(bodySha256)) != 1 {
		return "", apierr.New(apierr.KindSignatureBodyMismatch, "body hash does not match x-body-sha256")
	}

	now := time.Now().UnixMilli()
	skew := now - timestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew.Milliseconds() {
		return "", apierr.New(apierr.KindSignatureExpired, "request timestamp outside accepted window")
	}

	pub, ok := v.roster.Lookup(peerID)
	if !ok {
		return "", apierr.New(apierr.KindUntrustedPeer, "peer not in trusted roster: "+peerID)
	}

	payload := CanonicalPayload(peerID, method, path, timestampMs, nonce, bodySha256)
	if !identity.Verify(pub, payload, signature) {
		return "", apierr.New(apierr.KindSignatureInvalid, "signature verification failed")
	}

	// Nonce insert comes after signature verification so unauthenticated
	// traffic cannot poison the replay cache.
	if !v.nonces.Insert(nonce, peerID) {
		return "", apierr.New(apierr.KindSignatureReplay, "nonce already used")
	}

	return peerID, nil
}

// Middleware enforces request signatures on a router. The caller identity
// header may be either the agent or the coordinator variant; the verified
// peer ID is placed on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.Header.Get(HeaderAgentID)
		if peerID == "" {
			peerID = r.Header.Get(HeaderPeerID)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		tsMs, err := strconv.ParseInt(r.Header.Get(HeaderTimestampMs), 10, 64)
		if err != nil {
			apierr.WriteKind(w, apierr.KindSignatureInvalid, "missing or malformed x-timestamp-ms")
			return
		}

		caller, err := v.Verify(
			peerID, r.Method, r.URL.Path, tsMs,
			r.Header.Get(HeaderNonce),
			r.Header.Get(HeaderBodySha256),
			r.Header.Get(HeaderSignature),
			body,
		)
		if err != nil {
			slog.Warn("rejected signed request",
				"peer", peerID, "path", r.URL.Path, "reason", apierr.KindOf(err))
			apierr.Write(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}
