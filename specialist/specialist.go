// Package specialist defines the plug-in contract between the dispatcher and
// the domain analyzers it fans out to. Specialists are black boxes behind a
// single Process method; this package owns the typed request and response
// envelopes that cross the boundary, the analysis depths with their token
// budgets and deadlines, and the registry the adapter resolves kinds through.
package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/delegation"
	"github.com/creatorhq/maestro/fault"
)

// The enumerated specialist kinds. The dispatcher's comprehensive intent
// expands to exactly this set.
const (
	KindContent      = "content_analysis"
	KindAudience     = "audience_insights"
	KindSEO          = "seo_optimization"
	KindCompetitive  = "competitive_analysis"
	KindMonetization = "monetization_strategy"
)

// Kinds returns the full specialist set in dispatch order.
func Kinds() []string {
	return []string{KindContent, KindAudience, KindSEO, KindCompetitive, KindMonetization}
}

// Depth selects how much work a specialist invests in one request. It drives
// the token budget, the call deadline, and the response cache TTL.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// ParseDepth maps a string onto a Depth, defaulting to standard.
func ParseDepth(s string) Depth {
	switch Depth(s) {
	case DepthQuick, DepthStandard, DepthDeep:
		return Depth(s)
	}
	return DepthStandard
}

// Deadline returns the per-call deadline for the depth.
func (d Depth) Deadline() time.Duration {
	switch d {
	case DepthQuick:
		return 10 * time.Second
	case DepthDeep:
		return 90 * time.Second
	default:
		return 30 * time.Second
	}
}

// Budget returns the token budget for the depth.
func (d Depth) Budget() TokenBudget {
	switch d {
	case DepthQuick:
		return TokenBudget{Input: 2000, Output: 1000}
	case DepthDeep:
		return TokenBudget{Input: 5000, Output: 2500}
	default:
		return TokenBudget{Input: 3500, Output: 1750}
	}
}

// CacheCategory returns the cache category responses at this depth are
// stored under. Deeper analyses are more expensive and cache longer.
func (d Depth) CacheCategory() cache.Category {
	switch d {
	case DepthQuick:
		return cache.CategoryAgentQuick
	case DepthDeep:
		return cache.CategoryAgentDeep
	default:
		return cache.CategoryAgentStandard
	}
}

type (
	// TokenBudget bounds the tokens a specialist may spend on one request.
	TokenBudget struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	}

	// TokenUsage reports the tokens a specialist actually spent.
	TokenUsage struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	}

	// Request is the envelope a specialist receives. The credential binds the
	// call to one dispatch request; specialists must verify it before doing
	// any work.
	Request struct {
		// RequestID is the dispatch request this call belongs to.
		RequestID string `json:"request_id"`
		// UserID identifies the end user the analysis is for.
		UserID string `json:"user_id"`
		// QueryType labels what is being asked (usually the intent tag).
		QueryType string `json:"query_type"`
		// Query is the user's message.
		Query string `json:"query"`
		// Context carries the enrichment snapshot and request metadata.
		Context map[string]any `json:"context,omitempty"`
		// Budget bounds token spend for this call.
		Budget TokenBudget `json:"token_budget"`
		// Depth selects the analysis depth.
		Depth Depth `json:"analysis_depth"`
		// Credential is the dispatcher-minted delegation token.
		Credential string `json:"credential"`
	}

	// Analysis is the structured body of a specialist response.
	Analysis struct {
		Summary         string             `json:"summary"`
		KeyInsights     []string           `json:"key_insights,omitempty"`
		Recommendations []string           `json:"recommendations,omitempty"`
		Metrics         map[string]float64 `json:"metrics,omitempty"`
		Detail          string             `json:"detailed_analysis,omitempty"`
	}

	// CacheInfo reports whether a response was served from cache.
	CacheInfo struct {
		Hit          bool          `json:"hit"`
		TTLRemaining time.Duration `json:"ttl_remaining,omitempty"`
	}

	// Response is the uniform envelope every specialist returns. The
	// dispatcher rejects responses that do not set ForDispatcherOnly or that
	// fail to echo the request id.
	Response struct {
		AgentType string `json:"agent_type"`
		RequestID string `json:"request_id"`
		// DomainMatch false means "not my domain": the body must not be
		// consumed as analysis and is never cached.
		DomainMatch bool       `json:"domain_match"`
		Confidence  float64    `json:"confidence"`
		Analysis    Analysis   `json:"analysis"`
		TokenUsage  TokenUsage `json:"token_usage"`
		CacheInfo   CacheInfo  `json:"cache_info"`
		// ProcessingTime is the wall clock the call took.
		ProcessingTime time.Duration `json:"processing_time_ms"`
		// ForDispatcherOnly must be true on every response.
		ForDispatcherOnly bool `json:"for_dispatcher_only"`
	}

	// Specialist is the plug-in contract. Implementations must verify the
	// request credential, set DomainMatch honestly, echo the request id, mark
	// the response ForDispatcherOnly, report token usage, and observe ctx
	// cancellation cooperatively.
	Specialist interface {
		// Kind returns the specialist's registry key.
		Kind() string
		// Process runs one analysis.
		Process(ctx context.Context, req Request) (Response, error)
	}
)

// Add accumulates usage from another response.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// VerifyRequest checks the request credential against the authority and the
// request's own id. Specialists call this first in Process; a failure means
// the call did not come from the dispatcher and no work may happen.
func VerifyRequest(auth *delegation.Authority, req Request) (delegation.Claims, error) {
	if req.Credential == "" {
		return delegation.Claims{}, fault.New(fault.KindAuthentication, "request carries no credential")
	}
	return auth.Verify(req.Credential, req.RequestID)
}

// CacheKey derives the response cache key for a call. The digest covers the
// query type, the context, and the depth so distinct analyses never collide;
// the specialist and user prefix the key so invalidation can target either.
func CacheKey(kind, userID string, req Request) string {
	h := sha256.New()
	h.Write([]byte(req.QueryType))
	h.Write([]byte{0})
	// Maps marshal with sorted keys, so the digest is stable.
	if raw, err := json.Marshal(req.Context); err == nil {
		h.Write(raw)
	}
	h.Write([]byte{0})
	h.Write([]byte(req.Depth))
	return "agent:" + kind + ":" + userID + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}
