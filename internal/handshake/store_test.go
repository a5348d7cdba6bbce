package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
)

func testTask() core.Task {
	return core.Task{TaskID: "t1", Prompt: "sum a list", Language: core.LangPython}
}

func TestCreateEnforcesPerAgentCap(t *testing.T) {
	store := NewStore(nil)
	for i := 0; i < maxActivePerAgent; i++ {
		_, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
		require.NoError(t, err)
	}

	_, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.KindTooManySessions, apierr.KindOf(err))

	// A different agent is unaffected.
	_, err = store.Create("agent-2", testTask(), "", "", core.QueueTimeout, nil)
	assert.NoError(t, err)
}

func TestNegotiateOwnerMismatch(t *testing.T) {
	store := NewStore(nil)
	sess, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
	require.NoError(t, err)

	_, err = store.Negotiate(sess.SessionID, "agent-2", true)
	assert.Equal(t, apierr.KindSessionOwnerMismatch, apierr.KindOf(err))
}

func TestNegotiateRejectFailsSession(t *testing.T) {
	store := NewStore(nil)
	sess, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
	require.NoError(t, err)

	got, err := store.Negotiate(sess.SessionID, "agent-1", false)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.Equal(t, "rejected_by_agent", got.FailureReason)

	// Terminal sessions cannot be negotiated again.
	_, err = store.Negotiate(sess.SessionID, "agent-1", true)
	assert.Equal(t, apierr.KindInvalidPhaseTransition, apierr.KindOf(err))
}

func TestCloudCompletionOnlyTouchesExecutingSessions(t *testing.T) {
	release := make(chan struct{})
	store := NewStore(func(ctx context.Context, s Session) (string, error) {
		<-release
		return "cloud says hi", nil
	})

	sess, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
	require.NoError(t, err)
	_, err = store.Negotiate(sess.SessionID, "agent-1", true)
	require.NoError(t, err)

	// Expire the session while the cloud call is still in flight.
	store.mu.Lock()
	store.sessions[sess.SessionID].UpdatedAtMs -= sessionMaxAge.Milliseconds() + 1000
	store.mu.Unlock()
	require.Equal(t, 1, store.SweepExpired())

	close(release)
	store.Wait()

	got, ok := store.Get(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, PhaseExpired, got.Phase)
	assert.Empty(t, got.CloudResponse)
}

func TestCloudFailureFailsSession(t *testing.T) {
	store := NewStore(func(ctx context.Context, s Session) (string, error) {
		return "", errors.New("cloud unreachable")
	})
	sess, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, nil)
	require.NoError(t, err)
	_, err = store.Negotiate(sess.SessionID, "agent-1", true)
	require.NoError(t, err)
	store.Wait()

	got, ok := store.Get(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.Equal(t, "cloud unreachable", got.FailureReason)
}

func TestTokenDerivationIsStablePerSession(t *testing.T) {
	store := NewStore(nil)
	key := []byte("agent key material")
	a, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, key)
	require.NoError(t, err)
	b, err := store.Create("agent-1", testTask(), "", "", core.QueueTimeout, key)
	require.NoError(t, err)

	assert.Len(t, a.Token, 64)
	assert.NotEqual(t, a.Token, b.Token)

	again, err := deriveToken(a.SessionID, key)
	require.NoError(t, err)
	assert.Equal(t, a.Token, again)
}

// Full review -> negotiate -> result round trip over HTTP.
func TestServerReviewNegotiateResult(t *testing.T) {
	store := NewStore(func(ctx context.Context, s Session) (string, error) {
		return "def total(xs):\n    return sum(xs)", nil
	})
	srv := httptest.NewServer(NewServer(store, func(string) []byte { return []byte("k") }).Router())
	defer srv.Close()

	body, _ := json.Marshal(reviewRequest{
		AgentID:     "agent-1",
		Task:        testTask(),
		Snippet:     "def total(xs): pass",
		QueueReason: core.QueueModelLimit,
	})
	resp, err := http.Post(srv.URL+"/review", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()
	assert.Equal(t, PhaseHandshake, sess.Phase)
	assert.NotEmpty(t, sess.Token)

	body, _ = json.Marshal(negotiateRequest{SessionID: sess.SessionID, AgentID: "agent-1", Accept: true})
	resp, err = http.Post(srv.URL+"/negotiate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var negotiated Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&negotiated))
	resp.Body.Close()
	assert.Equal(t, PhaseExecute, negotiated.Phase)

	store.Wait()

	var result Session
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("%s/result/%s", srv.URL, sess.SessionID))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&result) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhaseResult, result.Phase)
	assert.Contains(t, result.CloudResponse, "sum(xs)")

	// The detail endpoint never re-discloses the token.
	resp, err = http.Get(fmt.Sprintf("%s/session/%s", srv.URL, sess.SessionID))
	require.NoError(t, err)
	var detail Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Empty(t, detail.Token)
}
