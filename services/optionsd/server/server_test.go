package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nhboptions/core/events"
	"nhboptions/core/state"
	"nhboptions/gateway/middleware"
	nativecommon "nhboptions/native/common"
	"nhboptions/native/options"
	"nhboptions/observability"
	"nhboptions/services/optionsd/oracle"
	"nhboptions/services/optionsd/storage"
	kv "nhboptions/storage"
)

const (
	testSecret       = "0123456789abcdef0123456789abcdef"
	testNow    int64 = 1_700_000_000
)

var (
	authority = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	taker     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	feedID    = ethcrypto.Keccak256Hash([]byte("feed:BTC/USD"))
)

type testEnv struct {
	srv    *httptest.Server
	engine *options.Engine
	ledger *state.Manager
	feed   *oracle.Feed
	store  *storage.Storage
	stream *Stream
	pauses *nativecommon.PauseSet
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db := kv.NewMemDB()
	ledger := state.NewManager(db, state.WithVaultSalt([32]byte{0x42}))
	engine := options.NewEngine(ledger)
	engine.SetNowFunc(func() int64 { return testNow })
	feed := oracle.NewFeed(feedID)
	engine.SetOracle(feed)
	pauses := nativecommon.NewPauseSet()
	engine.SetPauses(pauses)

	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	stream := NewStream(storage.NewJournal(store), nil)
	engine.SetEmitter(events.Multi{stream, observability.EventCounter{}})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret, Issuer: "optionsd"}, nil)
	srv, err := New(cfg, Deps{
		Engine:  engine,
		Ledger:  ledger,
		Pauses:  pauses,
		Journal: store,
		Stream:  stream,
		Auth:    auth,
		Metrics: observability.Options(),
	})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		stream.Close()
		httpSrv.Close()
	})
	return &testEnv{srv: httpSrv, engine: engine, ledger: ledger, feed: feed, store: store, stream: stream, pauses: pauses}
}

func token(t *testing.T, who common.Address, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   who.Hex(),
		"iss":   "optionsd",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (e *testEnv) bootstrap(t *testing.T) {
	t.Helper()
	admin := token(t, authority, ScopeAdmin)
	status, body := e.do(t, http.MethodPost, "/v1/treasury/initialize", admin, map[string]string{
		"priceFeedId": feedID.Hex(),
	})
	require.Equal(t, http.StatusCreated, status, body)
	require.NoError(t, e.ledger.Credit(creator, 1000))
	require.NoError(t, e.ledger.Credit(taker, 1000))
}

func (e *testEnv) createEscrow(t *testing.T) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/v1/escrows", token(t, creator), map[string]interface{}{
		"description":  "BTC at 50k",
		"stake":        1000,
		"strikePrice":  50000,
		"counterStake": 1000,
		"position":     "long",
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["id"].(string)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	_, err = uuid.Parse(resp.Header.Get("X-Request-Id"))
	require.NoError(t, err)
}

func TestRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, _ := env.do(t, http.MethodGet, "/v1/treasury", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminRoutesRequireScope(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, _ := env.do(t, http.MethodPost, "/v1/treasury/initialize", token(t, creator), map[string]string{})
	require.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, "/admin/pause", token(t, creator), map[string]interface{}{"paused": true})
	require.Equal(t, http.StatusForbidden, status)
}

func TestTreasuryBeforeInitialize(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, body := env.do(t, http.MethodGet, "/v1/treasury", token(t, creator), nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "account_not_initialized", body["code"])
	require.Equal(t, "state", body["kind"])
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bootstrap(t)
	id := env.createEscrow(t)

	status, body := env.do(t, http.MethodPost, "/v1/escrows/"+id+"/match", token(t, taker), map[string]interface{}{
		"amount":   1000,
		"position": "short",
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["matched"])

	env.feed.Update(options.PriceSample{FeedID: feedID, Price: 50000, PublishTime: testNow - 60})

	status, _ = env.do(t, http.MethodPost, "/v1/escrows/"+id+"/settle", token(t, creator), map[string]uint64{"fee": 20})
	require.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodPost, "/v1/escrows/"+id+"/settle", token(t, authority, ScopeSettle), map[string]uint64{"fee": 20})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, creator.Hex(), body["winner"])
	require.EqualValues(t, 1980, body["totalPayout"])

	status, body = env.do(t, http.MethodPost, "/v1/escrows/"+id+"/withdraw", token(t, taker), map[string]uint64{"amount": 1980})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "invalid_winner", body["code"])

	status, _ = env.do(t, http.MethodPost, "/v1/escrows/"+id+"/withdraw", token(t, creator), map[string]uint64{"amount": 1980})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/v1/escrows/"+id+"/withdraw", token(t, creator), map[string]uint64{"amount": 1980})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_funds", body["code"])

	status, body = env.do(t, http.MethodGet, "/v1/accounts/"+creator.Hex(), token(t, creator), nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1980, body["balance"])

	status, _ = env.do(t, http.MethodPost, "/v1/treasury/withdraw", token(t, authority, ScopeAdmin), map[string]uint64{"amount": 20})
	require.Equal(t, http.StatusOK, status)
	status, body = env.do(t, http.MethodGet, "/v1/accounts/"+authority.Hex(), token(t, authority), nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 20, body["balance"])

	status, body = env.do(t, http.MethodGet, "/v1/escrows/"+id+"?events=true", token(t, taker), nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["events"], 4)
	require.NotNil(t, body["oracle"])
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bootstrap(t)
	id := env.createEscrow(t)

	cases := []struct {
		name   string
		method string
		path   string
		bearer string
		body   interface{}
		status int
		code   string
	}{
		{"bad position", http.MethodPost, "/v1/escrows", token(t, creator), map[string]interface{}{"description": "x", "stake": 1, "strikePrice": 1, "counterStake": 1, "position": "sideways"}, http.StatusBadRequest, "invalid_position"},
		{"long description", http.MethodPost, "/v1/escrows", token(t, creator), map[string]interface{}{"description": strings.Repeat("x", 41), "stake": 1, "strikePrice": 1, "counterStake": 1, "position": "long"}, http.StatusBadRequest, "description_too_long"},
		{"unknown field", http.MethodPost, "/v1/escrows", token(t, creator), map[string]interface{}{"bogus": 1}, http.StatusBadRequest, "bad_request"},
		{"bad id", http.MethodGet, "/v1/escrows/zz", token(t, creator), nil, http.StatusBadRequest, "invalid_argument"},
		{"missing escrow", http.MethodGet, "/v1/escrows/" + strings.Repeat("00", 32), token(t, creator), nil, http.StatusNotFound, "escrow_not_found"},
		{"self match", http.MethodPost, "/v1/escrows/" + id + "/match", token(t, creator), map[string]interface{}{"amount": 1000, "position": "short"}, http.StatusForbidden, "prediction_disallowed"},
		{"wrong deposit", http.MethodPost, "/v1/escrows/" + id + "/match", token(t, taker), map[string]interface{}{"amount": 999, "position": "short"}, http.StatusBadRequest, "invalid_deposit_amount"},
		{"settle unmatched", http.MethodPost, "/v1/escrows/" + id + "/settle", token(t, authority, ScopeSettle), map[string]uint64{"fee": 1}, http.StatusConflict, "prediction_not_made"},
		{"treasury non-authority", http.MethodPost, "/v1/treasury/withdraw", token(t, creator, ScopeAdmin), map[string]uint64{"amount": 1}, http.StatusForbidden, "unauthorized"},
		{"reinitialize", http.MethodPost, "/v1/treasury/initialize", token(t, authority, ScopeAdmin), map[string]string{}, http.StatusConflict, "account_already_initialized"},
		{"bad account", http.MethodGet, "/v1/accounts/nope", token(t, creator), nil, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, tc.method, tc.path, tc.bearer, tc.body)
			require.Equal(t, tc.status, status, body)
			require.Equal(t, tc.code, body["code"])
		})
	}
}

func TestSettleWithoutFreshPriceIsUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bootstrap(t)
	id := env.createEscrow(t)
	status, _ := env.do(t, http.MethodPost, "/v1/escrows/"+id+"/match", token(t, taker), map[string]interface{}{"amount": 1000, "position": "short"})
	require.Equal(t, http.StatusOK, status)

	env.feed.Update(options.PriceSample{FeedID: feedID, Price: 50000, PublishTime: testNow - int64(options.StalenessThreshold) - 1})
	status, body := env.do(t, http.MethodPost, "/v1/escrows/"+id+"/settle", token(t, authority, ScopeSettle), map[string]uint64{"fee": 20})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "oracle_unavailable", body["code"])
	require.Equal(t, "oracle", body["kind"])
}

func TestPauseBlocksOperations(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bootstrap(t)
	admin := token(t, authority, ScopeAdmin)

	status, _ := env.do(t, http.MethodPost, "/admin/pause", admin, map[string]interface{}{"paused": true})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.pauses.IsPaused(options.ModuleName))

	status, body := env.do(t, http.MethodPost, "/v1/escrows", token(t, creator), map[string]interface{}{
		"description": "BTC", "stake": 1, "strikePrice": 1, "counterStake": 1, "position": "long",
	})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "module_paused", body["code"])

	_, body = env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, "paused", body["status"])

	status, _ = env.do(t, http.MethodPost, "/admin/pause", admin, map[string]interface{}{"paused": false})
	require.Equal(t, http.StatusOK, status)
	env.createEscrow(t)
}

func TestCreditIsConfigGated(t *testing.T) {
	admin := token(t, authority, ScopeAdmin)

	disabled := newTestEnv(t, Config{})
	status, body := disabled.do(t, http.MethodPost, "/admin/credit", admin, map[string]interface{}{"address": creator.Hex(), "amount": 5})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "credit_disabled", body["code"])

	enabled := newTestEnv(t, Config{AllowCredit: true})
	status, body = enabled.do(t, http.MethodPost, "/admin/credit", admin, map[string]interface{}{"address": creator.Hex(), "amount": 5})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 5, body["balance"])

	status, body = enabled.do(t, http.MethodPost, "/admin/credit", admin, map[string]interface{}{"address": creator.Hex(), "amount": 0})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "amount_not_positive", body["code"])
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.bootstrap(t)
	id := env.createEscrow(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events?after=0"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, taker))
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first, second storage.JournalEntry
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, options.EventTypeTreasuryInitialized, first.Type)
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.Equal(t, options.EventTypeEscrowCreated, second.Type)
	require.Equal(t, id, second.EscrowID)

	require.Eventually(t, func() bool { return env.stream.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	status, _ := env.do(t, http.MethodPost, "/v1/escrows/"+id+"/match", token(t, taker), map[string]interface{}{"amount": 1000, "position": "short"})
	require.Equal(t, http.StatusOK, status)

	var live storage.JournalEntry
	require.NoError(t, wsjson.Read(ctx, conn, &live))
	require.Equal(t, options.EventTypeEscrowMatched, live.Type)
	require.Greater(t, live.Seq, second.Seq)
}

func TestStreamWithoutJournalAssignsSequences(t *testing.T) {
	stream := NewStream(nil, nil)
	sub := stream.subscribe()
	stream.Emit(events.Record{Type: "a", Attributes: map[string]string{"id": "01"}})
	stream.Emit(events.Record{Type: "b"})

	first := <-sub.entries
	second := <-sub.entries
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, "01", first.EscrowID)
	require.Equal(t, int64(2), second.Seq)

	stream.Close()
	_, ok := <-sub.entries
	require.False(t, ok)
	require.Zero(t, stream.Subscribers())
}

func TestStatusForUnknownError(t *testing.T) {
	status, body := statusFor(fmt.Errorf("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal", body.Code)

	status, body = statusFor(fmt.Errorf("options: transfer: %w", state.ErrInsufficientFunds))
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_funds", body.Code)
}
