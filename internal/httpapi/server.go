// Package httpapi is the thin JSON/REST reference transport binding
// PUBLISH, NEXT, ACK, QUERY, and VERIFY onto HTTP. It is a convenience
// front door, not the core: every handler does nothing but decode a
// request, call into ingest/delivery/query, and encode the result.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/delivery"
	"github.com/mydriatech/fragtale/internal/ingest"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/query"
)

// Deliverer is the subset of *delivery.Engine the transport depends on.
type Deliverer interface {
	Next(ctx context.Context, topicName, consumerID string, fromEpochMs int64) ([]delivery.Event, error)
	Ack(ctx context.Context, topicName, consumerID string, ut clock.UniqueTime) error
}

// Publisher is the subset of *ingest.Pipeline the transport depends on.
type Publisher interface {
	Publish(ctx context.Context, topicName string, document []byte) (ingest.Result, error)
}

// Querier is the subset of *query.Engine the transport depends on.
type Querier interface {
	Query(ctx context.Context, topicName, indexName string, value any, timeRange query.TimeRange) ([]query.Result, error)
	Verify(ctx context.Context, topicName string, ut clock.UniqueTime) (integrity.VerifyResult, error)
}

// Config configures the ingress transport.
type Config struct {
	CORSAllowedOrigins []string
	Authenticator      Authenticator // nil wires NoopAuthenticator
}

// Server holds the reference transport's HTTP dependencies.
type Server struct {
	Router  *chi.Mux
	publish Publisher
	deliver Deliverer
	query   Querier
	logger  *slog.Logger
	metrics *prometheus.Registry
}

// NewServer builds the router, middleware chain, and health/metrics
// endpoints, and mounts the PUBLISH/NEXT/ACK/QUERY/VERIFY routes.
func NewServer(cfg Config, publish Publisher, deliver Deliverer, querier Querier, metricsReg *prometheus.Registry, logger *slog.Logger) *Server {
	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = NoopAuthenticator{}
	}

	s := &Server{
		Router:  chi.NewRouter(),
		publish: publish,
		deliver: deliver,
		query:   querier,
		logger:  logger,
		metrics: metricsReg,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleHealthz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1/topics/{topic}", func(r chi.Router) {
		r.Use(authMiddleware(authenticator))
		r.Post("/events", s.handlePublish)
		r.Get("/consumers/{consumerID}/next", s.handleNext)
		r.Post("/consumers/{consumerID}/ack", s.handleAck)
		r.Get("/query", s.handleQuery)
		r.Get("/events/{uniqueTime}/verify", s.handleVerify)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publishResponse struct {
	UniqueTime string `json:"unique_time"`
	ReceivedAt string `json:"received_at"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	result, err := s.publish.Publish(r.Context(), topicName, body)
	if err != nil {
		RespondDomainError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusAccepted, publishResponse{
		UniqueTime: result.UniqueTime.String(),
		ReceivedAt: result.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

type nextResponseEvent struct {
	UniqueTime string          `json:"unique_time"`
	Document   json.RawMessage `json:"document"`
	ReceivedAt string          `json:"received_at"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	consumerID := chi.URLParam(r, "consumerID")

	var fromEpochMs int64
	if v := r.URL.Query().Get("from_epoch_ms"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "from_epoch_ms must be an integer")
			return
		}
		fromEpochMs = n
	}

	events, err := s.deliver.Next(r.Context(), topicName, consumerID, fromEpochMs)
	if err != nil {
		RespondDomainError(w, s.logger, err)
		return
	}

	out := make([]nextResponseEvent, 0, len(events))
	for _, e := range events {
		out = append(out, nextResponseEvent{
			UniqueTime: e.UniqueTime.String(),
			Document:   e.Document,
			ReceivedAt: e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	Respond(w, http.StatusOK, map[string]any{"events": out})
}

type ackRequest struct {
	UniqueTime string `json:"unique_time"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	consumerID := chi.URLParam(r, "consumerID")

	var req ackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "decoding request body")
		return
	}
	ut, err := clock.Parse(req.UniqueTime)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid unique_time")
		return
	}

	if err := s.deliver.Ack(r.Context(), topicName, consumerID, ut); err != nil {
		RespondDomainError(w, s.logger, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

type queryResponseEvent struct {
	UniqueTime string          `json:"unique_time"`
	Document   json.RawMessage `json:"document"`
	ReceivedAt string          `json:"received_at"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	q := r.URL.Query()
	indexName := q.Get("index")
	value := q.Get("value")
	if indexName == "" || value == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "index and value query parameters are required")
		return
	}

	var timeRange query.TimeRange
	if v := q.Get("from"); v != "" {
		ut, err := clock.Parse(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "invalid from cursor")
			return
		}
		timeRange.From = ut
	}
	if v := q.Get("to"); v != "" {
		ut, err := clock.Parse(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "invalid to cursor")
			return
		}
		timeRange.To = ut
	}

	results, err := s.query.Query(r.Context(), topicName, indexName, value, timeRange)
	if err != nil {
		RespondDomainError(w, s.logger, err)
		return
	}

	out := make([]queryResponseEvent, 0, len(results))
	for _, res := range results {
		out = append(out, queryResponseEvent{
			UniqueTime: res.UniqueTime.String(),
			Document:   res.Document,
			ReceivedAt: res.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	Respond(w, http.StatusOK, map[string]any{"events": out})
}

type verifyRootResponse struct {
	Level      int    `json:"level"`
	ShardKey   string `json:"shard_key"`
	Root       string `json:"root"`
	Generation int    `json:"generation"`
}

// verifyProofStepResponse is one hop of the level-1 inclusion proof: the
// sibling digest hex-encoded, and which side of the node it sits on.
type verifyProofStepResponse struct {
	Digest  string `json:"digest"`
	OnRight bool   `json:"on_right"`
}

type verifyResponse struct {
	Document   json.RawMessage           `json:"document"`
	ReceivedAt any                       `json:"received_at"`
	Proof      []verifyProofStepResponse `json:"proof"`
	Roots      []verifyRootResponse      `json:"roots"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	topicName := chi.URLParam(r, "topic")
	ut, err := clock.Parse(chi.URLParam(r, "uniqueTime"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid unique_time")
		return
	}

	result, err := s.query.Verify(r.Context(), topicName, ut)
	if err != nil {
		RespondDomainError(w, s.logger, err)
		return
	}

	roots := make([]verifyRootResponse, 0, len(result.Roots))
	for _, root := range result.Roots {
		roots = append(roots, verifyRootResponse{
			Level:      root.Level,
			ShardKey:   root.ShardKey,
			Root:       hexEncode(root.Root[:]),
			Generation: root.Generation,
		})
	}

	proof := make([]verifyProofStepResponse, 0, len(result.Proof))
	for _, step := range result.Proof {
		proof = append(proof, verifyProofStepResponse{
			Digest:  hexEncode(step.Digest[:]),
			OnRight: step.OnRight,
		})
	}

	var receivedAt any = result.ReceivedAt
	if t, ok := result.ReceivedAt.(time.Time); ok {
		receivedAt = t.UTC().Format(time.RFC3339Nano)
	}

	Respond(w, http.StatusOK, verifyResponse{
		Document:   result.Document,
		ReceivedAt: receivedAt,
		Proof:      proof,
		Roots:      roots,
	})
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
