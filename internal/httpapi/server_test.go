package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/query"
)

type stubPublisher struct {
	result ingest.Result
	err    error
}

func (s *stubPublisher) Publish(context.Context, string, []byte) (ingest.Result, error) {
	return s.result, s.err
}

type stubDeliverer struct {
	events []delivery.Event
	err    error
	acked  clock.UniqueTime
}

func (s *stubDeliverer) Next(context.Context, string, string, int64) ([]delivery.Event, error) {
	return s.events, s.err
}

func (s *stubDeliverer) Ack(_ context.Context, _, _ string, ut clock.UniqueTime) error {
	s.acked = ut
	return s.err
}

type stubQuerier struct {
	results []query.Result
	verify  integrity.VerifyResult
	err     error
}

func (s *stubQuerier) Query(context.Context, string, string, any, query.TimeRange) ([]query.Result, error) {
	return s.results, s.err
}

func (s *stubQuerier) Verify(context.Context, string, clock.UniqueTime) (integrity.VerifyResult, error) {
	return s.verify, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(pub Publisher, del Deliverer, q Querier) *Server {
	return NewServer(Config{}, pub, del, q, prometheus.NewRegistry(), testLogger())
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, &stubQuerier{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPublishReturnsAccepted(t *testing.T) {
	now := time.Now().UTC()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	srv := newTestServer(&stubPublisher{result: ingest.Result{UniqueTime: ut, ReceivedAt: now}}, &stubDeliverer{}, &stubQuerier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/topics/orders/events", strings.NewReader(`{"k":"v"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), ut.String())
}

func TestPublishMapsClockOutOfToleranceToServiceUnavailable(t *testing.T) {
	srv := newTestServer(&stubPublisher{err: fragerr.ErrClockOutOfTolerance}, &stubDeliverer{}, &stubQuerier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/topics/orders/events", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNextReturnsEvents(t *testing.T) {
	now := time.Now().UTC()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	del := &stubDeliverer{events: []delivery.Event{{UniqueTime: ut, Document: []byte(`{"a":1}`), ReceivedAt: now}}}
	srv := newTestServer(&stubPublisher{}, del, &stubQuerier{})

	req := httptest.NewRequest(http.MethodGet, "/v1/topics/orders/consumers/c1/next", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"a":1`)
}

func TestAckParsesUniqueTimeAndDelegates(t *testing.T) {
	now := time.Now().UTC()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	del := &stubDeliverer{}
	srv := newTestServer(&stubPublisher{}, del, &stubQuerier{})

	body := `{"unique_time":"` + ut.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/topics/orders/consumers/c1/ack", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, ut, del.acked)
}

func TestAckRejectsMalformedUniqueTime(t *testing.T) {
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, &stubQuerier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/topics/orders/consumers/c1/ack", strings.NewReader(`{"unique_time":"not-a-cursor"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryRequiresIndexAndValue(t *testing.T) {
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, &stubQuerier{})

	req := httptest.NewRequest(http.MethodGet, "/v1/topics/orders/query", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryReturnsMatches(t *testing.T) {
	now := time.Now().UTC()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	q := &stubQuerier{results: []query.Result{{UniqueTime: ut, Document: []byte(`{"c":"42"}`), ReceivedAt: now}}}
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, q)

	req := httptest.NewRequest(http.MethodGet, "/v1/topics/orders/query?index=customer&value=42", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"c":"42"`)
}

func TestVerifyReturnsRootChain(t *testing.T) {
	q := &stubQuerier{verify: integrity.VerifyResult{
		Document: []byte(`{"k":"v"}`),
		Proof:    []integrity.SiblingStep{{Digest: [32]byte{0xab}, OnRight: true}},
		Roots:    []integrity.RootPointer{{Level: 1, ShardKey: "shard-1", Generation: 0}},
	}}
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, q)

	req := httptest.NewRequest(http.MethodGet, "/v1/topics/orders/events/"+clock.Zero.String()+"/verify", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"shard_key":"shard-1"`)
	require.Contains(t, rec.Body.String(), `"proof":[{"digest":"ab0000`)
	require.Contains(t, rec.Body.String(), `"on_right":true`)
}

func TestVerifyMapsProofUnavailableToServiceUnavailable(t *testing.T) {
	q := &stubQuerier{err: fragerr.ErrProofUnavailable}
	srv := newTestServer(&stubPublisher{}, &stubDeliverer{}, q)

	req := httptest.NewRequest(http.MethodGet, "/v1/topics/orders/events/"+clock.Zero.String()+"/verify", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNoopAuthenticatorAcceptsAnyRequest(t *testing.T) {
	id, err := NoopAuthenticator{}.Authenticate(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "anonymous", id.Subject)
}
