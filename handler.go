/*
Copyright 2024 The ragrelay Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ragrelay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	RPCChat        = "/v1/chat"
	RPCChatStream  = "/v1/chat.stream"
	RPCUpload      = "/v1/upload"
	RPCCacheStats  = "/v1/cache.stats"
	RPCHealthCheck = "/v1/health.check"
)

const (
	maxTopK               = 50
	maxSentenceWindowSize = 10
)

// Handler routes the gateway's HTTP surface. Chat responses flow through
// the TTL cache; uploads never do.
type Handler struct {
	conf     DaemonConfig
	cache    Cache
	limiter  *RateLimiter
	backend  *BackendClient
	group    singleflight.Group
	duration *prometheus.SummaryVec
	metrics  http.Handler
	log      logrus.FieldLogger
}

func NewHandler(conf DaemonConfig, cache Cache, limiter *RateLimiter, backend *BackendClient, metrics http.Handler) *Handler {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "http"))
	return &Handler{
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "ragrelay_http_handler_duration",
			Help: "The timings of http requests handled by the service",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.99: 0.001,
			},
		}, []string{"path"}),
		conf:    conf,
		cache:   cache,
		limiter: limiter,
		backend: backend,
		metrics: metrics,
		log:     conf.Logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(h.duration.WithLabelValues(r.URL.Path)).ObserveDuration()

	if h.handleCORS(w, r) {
		return
	}

	switch r.URL.Path {
	case RPCChat:
		h.Chat(w, r)
		return
	case RPCChatStream:
		h.ChatStream(w, r)
		return
	case RPCUpload:
		h.Upload(w, r)
		return
	case RPCCacheStats:
		h.CacheStats(w, r)
		return
	case RPCHealthCheck:
		h.HealthCheck(w, r)
		return
	case "/metrics":
		h.metrics.ServeHTTP(w, r)
		return
	case "/_ping":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
		return
	}
	http.NotFound(w, r)
}

// chatRequest is the inbound chat payload. Optional fields are pointers so
// an omitted value and an explicit one can be told apart before defaulting.
type chatRequest struct {
	Question           string `json:"question"`
	TopK               int    `json:"top_k"`
	EnableRerank       *bool  `json:"enable_rerank"`
	EnableLLMRerank    *bool  `json:"enable_llm_rerank"`
	SentenceWindowSize *int   `json:"sentence_window_size"`
}

type chatReply struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Cached  bool     `json:"cached"`
}

// resolve applies configured defaults and clamps the retrieval parameters.
// Clamping happens before key derivation so equivalent requests share a
// cache entry.
func (req *chatRequest) resolve(conf *DaemonConfig) QueryParams {
	params := QueryParams{
		Question:           req.Question,
		TopK:               req.TopK,
		EnableRerank:       conf.DefaultEnableRerank,
		EnableLLMRerank:    conf.DefaultEnableLLMRerank,
		SentenceWindowSize: conf.DefaultSentenceWindow,
	}
	if params.TopK == 0 {
		params.TopK = conf.DefaultTopK
	}
	params.TopK = clamp(params.TopK, 1, maxTopK)
	if req.EnableRerank != nil {
		params.EnableRerank = *req.EnableRerank
	}
	if req.EnableLLMRerank != nil {
		params.EnableLLMRerank = *req.EnableLLMRerank
	}
	if req.SentenceWindowSize != nil {
		params.SentenceWindowSize = *req.SentenceWindowSize
	}
	params.SentenceWindowSize = clamp(params.SentenceWindowSize, 1, maxSentenceWindowSize)
	return params
}

// Chat serves a query, preferring the cache over a backend round trip. Only
// successful backend responses are ever cached.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "chat", h.conf.ChatRateLimit, h.conf.ChatRateWindow) {
		return
	}

	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}
	params := req.resolve(&h.conf)

	key := QueryCacheKey(params.Question, params.TopK, params.EnableRerank,
		params.EnableLLMRerank, params.SentenceWindowSize)

	if value, ok := h.cache.Get(key); ok {
		resp := value.(*ChatResponse)
		toJSON(w, chatReply{Answer: resp.Answer, Sources: resp.Sources, Cached: true})
		return
	}

	// Identical misses in flight collapse into one backend call.
	value, err, _ := h.group.Do(key, func() (interface{}, error) {
		resp, err := h.backend.Query(r.Context(), params)
		if err != nil {
			return nil, err
		}
		h.cache.Set(key, resp, h.conf.CacheTTL)
		return resp, nil
	})
	if err != nil {
		h.log.WithError(err).WithField("key", key).Error("backend query failed")
		replyError(w, http.StatusBadGateway, "backend query failed")
		return
	}

	resp := value.(*ChatResponse)
	toJSON(w, chatReply{Answer: resp.Answer, Sources: resp.Sources, Cached: false})
}

// ChatStream relays the backend's SSE token stream to the client. Streams
// bypass the cache; a client disconnect cancels only the proxied call.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "chat", h.conf.ChatRateLimit, h.conf.ChatRateWindow) {
		return
	}

	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}
	params := req.resolve(&h.conf)

	flusher, ok := w.(http.Flusher)
	if !ok {
		replyError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	body, err := h.backend.QueryStream(r.Context(), params)
	if err != nil {
		h.log.WithError(err).Error("backend stream failed")
		replyError(w, http.StatusBadGateway, "backend stream failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				h.log.WithError(err).Debug("backend stream ended abnormally")
			}
			return
		}
	}
}

// CacheStats reports the cache counters and the limiter's bucket count.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	toJSON(w, struct {
		Cache            CacheStats `json:"cache"`
		RateLimitBuckets int        `json:"rateLimitBuckets"`
	}{
		Cache:            h.cache.Stats(),
		RateLimitBuckets: h.limiter.BucketCount(),
	})
}

// HealthCheck reports gateway liveness and backend reachability.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	backend := "up"
	if err := h.backend.Health(ctx); err != nil {
		backend = "down"
	}
	toJSON(w, struct {
		OK      bool   `json:"ok"`
		Backend string `json:"backend"`
	}{OK: true, Backend: backend})
}

// allow runs the rate limit check for this caller and endpoint scope,
// replying 429 with a Retry-After header on deny.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, scope string, limit int, window time.Duration) bool {
	res := h.limiter.Check(RateLimitReq{
		Key:      clientIP(r) + ":" + scope,
		Limit:    limit,
		WindowMs: window.Milliseconds(),
	})
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		retryAfter := (res.ResetMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		replyError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	if r.Method != http.MethodPost {
		replyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		replyError(w, http.StatusBadRequest, "invalid JSON payload")
		return nil, false
	}
	if req.Question == "" {
		replyError(w, http.StatusBadRequest, "question must not be empty")
		return nil, false
	}
	if len(req.Question) > h.conf.MaxQuestionLen {
		replyError(w, http.StatusBadRequest, "question exceeds maximum length")
		return nil, false
	}
	return &req, true
}

// handleCORS writes CORS headers for allowed origins and terminates
// preflight requests. Returns true if the request was fully handled.
func (h *Handler) handleCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range h.conf.CORSOrigins {
		if allowed == origin || allowed == "*" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			break
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop so buckets follow the real
// caller when the gateway sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logrus.WithError(err).Error("while writing JSON response")
	}
}

func replyError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
