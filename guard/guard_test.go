package guard

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/codexsession"
	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
	"github.com/cch-gateway/cch-gateway/session"
)

type fakeKeyLookup struct {
	keys map[string]*core.Key
}

func (f fakeKeyLookup) FindByRawKey(_ context.Context, raw string) (*core.Key, error) {
	return f.keys[raw], nil
}

type fakeUserLookup struct {
	users map[int64]*core.User
}

func (f fakeUserLookup) FindByID(_ context.Context, id int64) (*core.User, error) {
	return f.users[id], nil
}

func newRC(headers http.Header, body string) *core.RequestContext {
	return &core.RequestContext{
		OriginalHeaders: headers,
		OriginalBody:    []byte(body),
		ArrivalTime:     time.Now(),
		ClientAbort:     make(chan struct{}),
	}
}

func TestAuthStage_RejectsMissingCredentials(t *testing.T) {
	stage := AuthStage(fakeKeyLookup{}, fakeUserLookup{})
	rc := newRC(http.Header{}, "")
	_, err := stage(context.Background(), rc)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindUnauthorized, err.Kind)
}

func TestAuthStage_RejectsDisabledKey(t *testing.T) {
	keys := fakeKeyLookup{keys: map[string]*core.Key{"sk-1": {ID: 1, UserID: 9, Enabled: false}}}
	users := fakeUserLookup{users: map[int64]*core.User{9: {ID: 9, IsEnabled: true}}}
	stage := AuthStage(keys, users)

	h := http.Header{}
	h.Set("Authorization", "Bearer sk-1")
	rc := newRC(h, "")

	_, err := stage(context.Background(), rc)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindPermissionDenied, err.Kind)
}

func TestAuthStage_AcceptsValidKeyFromXAPIKeyHeader(t *testing.T) {
	keys := fakeKeyLookup{keys: map[string]*core.Key{"sk-good": {ID: 1, UserID: 9, Enabled: true, Raw: "sk-good"}}}
	users := fakeUserLookup{users: map[int64]*core.User{9: {ID: 9, IsEnabled: true}}}
	stage := AuthStage(keys, users)

	h := http.Header{}
	h.Set("x-api-key", "sk-good")
	rc := newRC(h, "")

	resp, err := stage(context.Background(), rc)
	require.Nil(t, err)
	require.Nil(t, resp)
	assert.Equal(t, int64(1), rc.Auth.Key.ID)
	assert.Equal(t, int64(9), rc.Auth.User.ID)
}

func TestProbeStage_MarksCountTokensPath(t *testing.T) {
	stage := ProbeStage()
	rc := newRC(http.Header{}, "")
	rc.Path = "/v1/messages/count_tokens"

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.True(t, rc.IsProbe)
}

func TestProbeStage_LeavesOrdinaryPathAlone(t *testing.T) {
	stage := ProbeStage()
	rc := newRC(http.Header{}, "")
	rc.Path = "/v1/messages"

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.False(t, rc.IsProbe)
}

func setupTracker(t *testing.T) (*miniredis.Miniredis, *session.Tracker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, session.NewTracker(client, time.Minute, zap.NewNop())
}

func TestSessionStage_UsesExplicitHeaderSessionID(t *testing.T) {
	mr, tracker := setupTracker(t)
	defer mr.Close()

	stage := SessionStage(tracker, nil)
	h := http.Header{}
	h.Set("x-session-id", "sess-explicit")
	rc := newRC(h, "{}")

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.Equal(t, "sess-explicit", rc.SessionID)
	assert.Equal(t, int64(1), rc.RequestSequence)
}

func TestSessionStage_UsesBodyPreviousResponseID(t *testing.T) {
	mr, tracker := setupTracker(t)
	defer mr.Close()

	stage := SessionStage(tracker, nil)
	rc := newRC(http.Header{}, `{"previous_response_id":"resp-abc"}`)

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.Equal(t, "resp-abc", rc.SessionID)
}

func TestSessionStage_CodexFingerprintCompletion(t *testing.T) {
	mr, tracker := setupTracker(t)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	completer := codexsession.NewCompleter(client, time.Minute)

	stage := SessionStage(tracker, completer)
	rc := newRC(http.Header{}, `{"input":"hi"}`)
	rc.OriginalWireFormat = core.WireFormatCodex

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	require.NotEmpty(t, rc.SessionID)

	first := rc.SessionID

	rc2 := newRC(http.Header{}, `{"input":"hi"}`)
	rc2.OriginalWireFormat = core.WireFormatCodex
	_, err = stage(context.Background(), rc2)
	require.Nil(t, err)
	assert.Equal(t, first, rc2.SessionID)
}

func TestSessionStage_ProbeSkipsConcurrencyAssignment(t *testing.T) {
	mr, tracker := setupTracker(t)
	defer mr.Close()

	stage := SessionStage(tracker, nil)
	rc := newRC(http.Header{}, "{}")
	rc.IsProbe = true

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.NotEmpty(t, rc.SessionID)
	assert.Zero(t, rc.RequestSequence)
}

type fakeSensitiveChecker struct {
	blocked bool
	reason  string
}

func (f fakeSensitiveChecker) Check(context.Context, string) (bool, string) {
	return f.blocked, f.reason
}

func TestSensitiveWordStage_BlocksFlaggedContent(t *testing.T) {
	stage := SensitiveWordStage(fakeSensitiveChecker{blocked: true, reason: "banned term"})
	rc := newRC(http.Header{}, "bad text")

	_, err := stage(context.Background(), rc)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindBlockedBySensitive, err.Kind)
}

func TestSensitiveWordStage_AllowsCleanContent(t *testing.T) {
	stage := SensitiveWordStage(fakeSensitiveChecker{blocked: false})
	rc := newRC(http.Header{}, "clean text")

	resp, err := stage(context.Background(), rc)
	require.Nil(t, err)
	require.Nil(t, resp)
}

func TestSensitiveWordStage_NilCheckerPassesThrough(t *testing.T) {
	stage := SensitiveWordStage(nil)
	rc := newRC(http.Header{}, "anything")

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
}

func TestProviderGateStage_RejectsUnresolvableModel(t *testing.T) {
	stage := ProviderGateStage(func(*core.RequestContext) string { return "" })
	rc := newRC(http.Header{}, "{}")

	_, err := stage(context.Background(), rc)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindInternal, err.Kind)
}

func TestProviderGateStage_ResolvesModel(t *testing.T) {
	stage := ProviderGateStage(func(*core.RequestContext) string { return "claude-3" })
	rc := newRC(http.Header{}, "{}")

	_, err := stage(context.Background(), rc)
	require.Nil(t, err)
	assert.Equal(t, "claude-3", rc.Model)
}

func TestChain_StopsAtFirstError(t *testing.T) {
	order := []string{}
	chain := NewChain(zap.NewNop()).
		Use("first", func(context.Context, *core.RequestContext) (*core.Response, *gatewayerr.Error) {
			order = append(order, "first")
			return nil, nil
		}).
		Use("second", func(context.Context, *core.RequestContext) (*core.Response, *gatewayerr.Error) {
			order = append(order, "second")
			return nil, gatewayerr.New(gatewayerr.KindUnauthorized, "nope")
		}).
		Use("third", func(context.Context, *core.RequestContext) (*core.Response, *gatewayerr.Error) {
			order = append(order, "third")
			return nil, nil
		})

	resp, err := chain.Run(context.Background(), newRC(http.Header{}, ""))
	require.NotNil(t, err)
	require.Nil(t, resp)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestChain_AllStagesPassReturnsNil(t *testing.T) {
	chain := NewChain(zap.NewNop()).
		Use("first", func(context.Context, *core.RequestContext) (*core.Response, *gatewayerr.Error) {
			return nil, nil
		})

	resp, err := chain.Run(context.Background(), newRC(http.Header{}, ""))
	require.Nil(t, err)
	require.Nil(t, resp)
}
