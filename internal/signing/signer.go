package signing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgecoder/mesh/internal/identity"
)

// RequestSignature holds everything a signed request carries in headers.
type RequestSignature struct {
	PeerID      string
	TimestampMs int64
	Nonce       string
	BodySha256  string
	Signature   string
}

// SignRequest produces the signature material for an outbound request.
func SignRequest(id *identity.Identity, method, path string, body []byte) (*RequestSignature, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	ts := time.Now().UnixMilli()
	bodySha := BodyHash(body)
	payload := CanonicalPayload(id.NodeID, method, path, ts, nonce, bodySha)

	return &RequestSignature{
		PeerID:      id.NodeID,
		TimestampMs: ts,
		Nonce:       nonce,
		BodySha256:  bodySha,
		Signature:   id.Sign(payload),
	}, nil
}

// Apply writes the signature headers. idHeader is HeaderAgentID for agent
// requests or HeaderPeerID for coordinator-to-coordinator requests.
func (rs *RequestSignature) Apply(h http.Header, idHeader string) {
	h.Set(idHeader, rs.PeerID)
	h.Set(HeaderTimestampMs, strconv.FormatInt(rs.TimestampMs, 10))
	h.Set(HeaderNonce, rs.Nonce)
	h.Set(HeaderBodySha256, rs.BodySha256)
	h.Set(HeaderSignature, rs.Signature)
}
