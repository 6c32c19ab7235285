package settlement

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"stealthpay/core/events"
	"stealthpay/native/authorization"
	"stealthpay/native/compliance"
	"stealthpay/observability"
)

// DefaultMaxBatchSize bounds BatchProcessPayments unless overridden.
const DefaultMaxBatchSize = 20

// Option customises the engine instance.
type Option func(*Engine)

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer used for settlement spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock sets the function used to derive receipt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithEmitter configures the event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithCompliance installs the compliance collaborator. The default passes
// every identity.
func WithCompliance(checker compliance.Checker) Option {
	return func(e *Engine) { e.compliance = checker }
}

// WithRejectionRecorder persists compliance rejections for audit.
func WithRejectionRecorder(recorder RejectionRecorder) Option {
	return func(e *Engine) { e.rejections = recorder }
}

// WithAgents installs the agent ledger consulted for spend limits.
func WithAgents(agents AgentLedger) Option {
	return func(e *Engine) { e.agents = agents }
}

// WithFeeBps sets the initial protocol fee. Values above the cap are ignored.
func WithFeeBps(bps uint32) Option {
	return func(e *Engine) { e.feeBps = bps }
}

// WithMaxBatchSize overrides DefaultMaxBatchSize.
func WithMaxBatchSize(n int) Option {
	return func(e *Engine) { e.maxBatch = n }
}

// WithAdmins lists the identities allowed to pause, change fees and withdraw.
func WithAdmins(admins ...[20]byte) Option {
	return func(e *Engine) {
		for _, admin := range admins {
			e.admins[admin] = struct{}{}
		}
	}
}

// WithRemote enables ProcessRemote. custody is the local account holding
// bridged funds; nonces is the message-hash uniqueness set.
func WithRemote(custody [20]byte, nonces *authorization.NonceStore) Option {
	return func(e *Engine) {
		e.remoteCustody = custody
		e.remoteNonces = nonces
	}
}
