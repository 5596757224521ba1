// Package dispatch implements the top-level query coordinator: classify the
// user's intent, fan out to the chosen specialists concurrently, collect
// their responses with partial-failure tolerance, and synthesize one answer.
// HandleQuery is total: every input produces a FinalResponse, and every
// internal failure degrades the answer instead of surfacing an error.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
	"github.com/creatorhq/maestro/specialist/adapter"
	"github.com/creatorhq/maestro/tasks"
	"github.com/creatorhq/maestro/telemetry"
)

// metadataDepthKey lets callers pick an analysis depth per query.
const metadataDepthKey = "analysis_depth"

// degradedAcknowledgment is appended to answers missing intended sources.
// Internal failure detail never reaches the user text.
const degradedAcknowledgment = "\n(Some analysis sources were unavailable; this answer may be incomplete.)"

// FailReason explains why one specialist contributed nothing.
type FailReason string

const (
	ReasonTimeout           FailReason = "timeout"
	ReasonBreakerOpen       FailReason = "breaker_open"
	ReasonError             FailReason = "error"
	ReasonDomainMismatch    FailReason = "domain_mismatch"
	ReasonProtocolViolation FailReason = "protocol_violation"
	ReasonAuthentication    FailReason = "authentication"
)

type (
	// Enricher is the dispatcher's read path into the pipeline.
	Enricher interface {
		GetEnrichment(ctx context.Context, userID string) pipeline.Snapshot
		RegisterInteraction(ctx context.Context, userID string)
	}

	// Caller is the uniform specialist call site (the adapter).
	Caller interface {
		Call(ctx context.Context, kind string, req specialist.Request, priority tasks.Priority) (specialist.Response, error)
	}

	// Options configures a Dispatcher.
	Options struct {
		// Enricher supplies per-user context. Required.
		Enricher Enricher
		// Caller invokes specialists. Required.
		Caller Caller
		// Classifier defaults to the heuristic keyword classifier.
		Classifier Classifier
		// Synthesizer defaults to the deterministic synthesizer.
		Synthesizer Synthesizer
		// AllSpecialists is the set comprehensive intents expand to.
		// Defaults to the enumerated specialist kinds.
		AllSpecialists []string
		// DefaultDeadline bounds one query end to end. Defaults to a minute.
		DefaultDeadline time.Duration
		// DefaultDepth applies when the query metadata picks none.
		DefaultDepth specialist.Depth
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Dispatcher coordinates one user query end to end.
	Dispatcher struct {
		enricher       Enricher
		caller         Caller
		classifier     Classifier
		synthesizer    Synthesizer
		allSpecialists []string
		deadline       time.Duration
		depth          specialist.Depth
		log            telemetry.Logger
		met            telemetry.Metrics
		now            func() time.Time
	}

	// FinalResponse is the single user-facing result of one query.
	FinalResponse struct {
		// Text is the synthesized answer.
		Text string `json:"text"`
		// Intent is the classified tag.
		Intent string `json:"intent"`
		// Sources lists the specialists whose analyses contributed.
		Sources []string `json:"sources"`
		// TokenUsage sums usage across all specialist responses, including
		// domain mismatches: the work was performed either way.
		TokenUsage specialist.TokenUsage `json:"token_usage"`
		// AgentsFailed maps each non-contributing specialist to its reason.
		AgentsFailed map[string]FailReason `json:"agents_failed,omitempty"`
		// Degraded is true when intended sources were missing entirely.
		Degraded bool `json:"degraded"`
		// RequestID correlates the response with logs.
		RequestID string `json:"request_id"`
		// ProcessingTime is the end-to-end wall clock.
		ProcessingTime time.Duration `json:"processing_time_ms"`
	}

	// outcome carries one specialist's result through the collect channel.
	outcome struct {
		kind string
		resp specialist.Response
		err  error
	}
)

// New constructs a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Enricher == nil {
		return nil, fault.New(fault.KindConfiguration, "dispatcher requires an enricher")
	}
	if opts.Caller == nil {
		return nil, fault.New(fault.KindConfiguration, "dispatcher requires a specialist caller")
	}
	if opts.Classifier == nil {
		opts.Classifier = HeuristicClassifier()
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = DefaultSynthesizer()
	}
	if len(opts.AllSpecialists) == 0 {
		opts.AllSpecialists = specialist.Kinds()
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = time.Minute
	}
	if opts.DefaultDepth == "" {
		opts.DefaultDepth = specialist.DepthStandard
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{
		enricher:       opts.Enricher,
		caller:         opts.Caller,
		classifier:     opts.Classifier,
		synthesizer:    opts.Synthesizer,
		allSpecialists: opts.AllSpecialists,
		deadline:       opts.DefaultDeadline,
		depth:          opts.DefaultDepth,
		log:            opts.Logger,
		met:            opts.Metrics,
		now:            time.Now,
	}, nil
}

// HandleQuery answers one user query. It never returns an error: internal
// failures produce a degraded FinalResponse with a generic acknowledgment,
// and the error id is logged under the request id for correlation.
func (d *Dispatcher) HandleQuery(ctx context.Context, userID, message string, metadata map[string]any) (final FinalResponse) {
	started := d.now()
	requestID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			fe := fault.Newf(fault.KindSystem, "dispatch panicked: %v", r)
			d.log.Error(ctx, "dispatch panic",
				"request_id", requestID, "user_id", userID, "error_id", fe.ErrorID, "err", fe)
			final = FinalResponse{
				Text:      fe.UserMessage + degradedAcknowledgment,
				Intent:    TagGeneral,
				Sources:   []string{},
				Degraded:  true,
				RequestID: requestID,
			}
		}
		final.ProcessingTime = d.now().Sub(started)
		d.met.RecordTimer("dispatch.handle", final.ProcessingTime, "intent", final.Intent)
	}()

	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	d.enricher.RegisterInteraction(ctx, userID)
	enrichment := d.enricher.GetEnrichment(ctx, userID)

	intent, err := d.classifier.Classify(ctx, message, enrichment)
	if err != nil {
		d.log.Warn(ctx, "classification failed, falling back to general",
			"request_id", requestID, "err", err)
		intent = Intent{Tag: TagGeneral}
	}
	d.met.IncCounter("dispatch.intent", 1, "tag", intent.Tag)

	kinds := d.selectSpecialists(intent)
	if len(kinds) == 0 {
		text := d.synthesize(ctx, message, nil, enrichment)
		return FinalResponse{
			Text:      text,
			Intent:    intent.Tag,
			Sources:   []string{},
			RequestID: requestID,
		}
	}

	depth := d.depth
	if metadata != nil {
		if raw, ok := metadata[metadataDepthKey].(string); ok {
			depth = specialist.ParseDepth(raw)
		}
	}
	req := specialist.Request{
		RequestID: requestID,
		UserID:    userID,
		QueryType: intent.Tag,
		Query:     message,
		Context:   buildContext(userID, enrichment, metadata),
		Depth:     depth,
		Budget:    depth.Budget(),
	}

	// Fan out before any await so the specialists run concurrently; each
	// call carries its own depth deadline under the shared query deadline.
	results := make(chan outcome, len(kinds))
	for _, kind := range kinds {
		go func(kind string) {
			resp, err := d.caller.Call(ctx, kind, req, tasks.PriorityHigh)
			results <- outcome{kind: kind, resp: resp, err: err}
		}(kind)
	}

	var (
		successes []specialist.Response
		sources   []string
		usage     specialist.TokenUsage
		failed    = make(map[string]FailReason)
	)
	for range kinds {
		out := <-results
		switch {
		case out.err != nil:
			reason := failReason(out.err)
			failed[out.kind] = reason
			d.log.Warn(ctx, "specialist failed",
				"request_id", requestID, "specialist", out.kind, "reason", string(reason),
				"error_id", fault.FromError(out.err).ErrorID)
		case !out.resp.DomainMatch:
			// Work was performed; usage counts even though the body is not
			// consumed as analysis.
			usage.Add(out.resp.TokenUsage)
			failed[out.kind] = ReasonDomainMismatch
		default:
			usage.Add(out.resp.TokenUsage)
			successes = append(successes, out.resp)
			sources = append(sources, out.kind)
		}
	}
	sort.Strings(sources)

	degraded := len(successes) == 0
	text := d.synthesize(ctx, message, successes, enrichment)
	if degraded {
		text += degradedAcknowledgment
	}
	return FinalResponse{
		Text:         text,
		Intent:       intent.Tag,
		Sources:      sources,
		TokenUsage:   usage,
		AgentsFailed: failed,
		Degraded:     degraded,
		RequestID:    requestID,
	}
}

// synthesize runs the configured synthesizer and falls back to the
// deterministic one, then to a static answer, so the text is always
// produced.
func (d *Dispatcher) synthesize(ctx context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) string {
	text, err := d.synthesizer.Synthesize(ctx, message, responses, enrichment)
	if err == nil && text != "" {
		return text
	}
	if err != nil {
		d.log.Warn(ctx, "synthesizer failed, using fallback", "err", err)
	}
	text, err = DefaultSynthesizer().Synthesize(ctx, message, responses, enrichment)
	if err == nil && text != "" {
		return text
	}
	return "I could not complete the analysis this time. Please try again shortly."
}

// buildContext merges the enrichment snapshot and request metadata into the
// serializable context map carried by every specialist request.
func buildContext(userID string, enrichment pipeline.Snapshot, metadata map[string]any) map[string]any {
	ctx := map[string]any{
		"user_id":              userID,
		"key_metrics":          enrichment.KeyMetrics,
		"performance_insights": enrichment.Insights,
		"data_freshness":       string(enrichment.Freshness),
		"context_quality":      string(enrichment.Quality),
	}
	for k, v := range metadata {
		if k == metadataDepthKey {
			continue
		}
		ctx[k] = v
	}
	return ctx
}

// failReason maps a specialist call error onto the ledger vocabulary.
func failReason(err error) FailReason {
	if adapter.IsProtocolViolation(err) {
		return ReasonProtocolViolation
	}
	switch fault.KindOf(err) {
	case fault.KindSpecialistTimeout:
		return ReasonTimeout
	case fault.KindSpecialistUnavailable:
		return ReasonBreakerOpen
	case fault.KindAuthentication, fault.KindAuthorization:
		return ReasonAuthentication
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return ReasonTimeout
		}
		return ReasonError
	}
}
