package llm

import (
	"context"
	"fmt"

	"github.com/olumi/cee/internal/telemetry"
)

// Failover sequences an ordered adapter chain for non-streaming operations.
// The first adapter is the primary; on a retryable failure the next adapter
// is tried, and so on. Streaming never fails over: StreamDraftGraph
// delegates to the primary only, so mid-stream provider switches cannot
// happen.
type Failover struct {
	adapters []Adapter
	emitter  telemetry.Emitter
}

// NewFailover builds a facade over the given chain. The chain order is the
// failover order.
func NewFailover(adapters []Adapter, emitter telemetry.Emitter) (*Failover, error) {
	if len(adapters) == 0 {
		return nil, &ConfigurationError{Message: "failover chain requires at least one adapter"}
	}
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	return &Failover{adapters: adapters, emitter: emitter}, nil
}

// Primary returns the first adapter in the chain.
func (f *Failover) Primary() Adapter { return f.adapters[0] }

// Providers returns the chain's provider names in order.
func (f *Failover) Providers() []string {
	out := make([]string, len(f.adapters))
	for i, a := range f.adapters {
		out[i] = a.Name()
	}
	return out
}

func (f *Failover) Name() string { return f.adapters[0].Name() }

// call runs fn against each adapter in order until one succeeds. Failures
// that are not retryable stop the chain immediately; context cancellation is
// never retried.
func (f *Failover) call(ctx context.Context, operation string, fn func(Adapter) (*Result, error)) (*Result, error) {
	var failures []ProviderFailure
	for i, adapter := range f.adapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := fn(adapter)
		if err == nil {
			if i > 0 {
				f.emitter.Emit("provider.failover.success", map[string]any{
					"operation": operation,
					"primary":   f.adapters[0].Name(),
					"chosen":    adapter.Name(),
					"failed":    failedNames(failures),
				})
			}
			return res, nil
		}
		failures = append(failures, ProviderFailure{Provider: adapter.Name(), Err: err})
		if !IsRetryable(err) {
			break
		}
		if i+1 < len(f.adapters) {
			f.emitter.Emit("provider.failover", map[string]any{
				"operation": operation,
				"from":      adapter.Name(),
				"to":        f.adapters[i+1].Name(),
				"reason":    err.Error(),
			})
		}
	}
	f.emitter.Emit("provider.failover.exhausted", map[string]any{
		"operation": operation,
		"providers": f.Providers(),
		"failures":  len(failures),
	})
	return nil, &FailoverExhaustedError{Operation: operation, Failures: failures}
}

func failedNames(failures []ProviderFailure) []string {
	out := make([]string, len(failures))
	for i, fl := range failures {
		out[i] = fl.Provider
	}
	return out
}

func (f *Failover) DraftGraph(ctx context.Context, args DraftGraphArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpDraftGraph, func(a Adapter) (*Result, error) {
		return a.DraftGraph(ctx, args, opts)
	})
}

func (f *Failover) SuggestOptions(ctx context.Context, args SuggestOptionsArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpSuggestOptions, func(a Adapter) (*Result, error) {
		return a.SuggestOptions(ctx, args, opts)
	})
}

func (f *Failover) RepairGraph(ctx context.Context, args RepairGraphArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpRepairGraph, func(a Adapter) (*Result, error) {
		return a.RepairGraph(ctx, args, opts)
	})
}

func (f *Failover) ClarifyBrief(ctx context.Context, args ClarifyBriefArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpClarifyBrief, func(a Adapter) (*Result, error) {
		return a.ClarifyBrief(ctx, args, opts)
	})
}

func (f *Failover) CritiqueGraph(ctx context.Context, args CritiqueGraphArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpCritiqueGraph, func(a Adapter) (*Result, error) {
		return a.CritiqueGraph(ctx, args, opts)
	})
}

func (f *Failover) ExplainDiff(ctx context.Context, args ExplainDiffArgs, opts CallOpts) (*Result, error) {
	return f.call(ctx, OpExplainDiff, func(a Adapter) (*Result, error) {
		return a.ExplainDiff(ctx, args, opts)
	})
}

// StreamDraftGraph delegates to the primary adapter only. A primary without
// streaming support is a configuration error, not a failover trigger.
func (f *Failover) StreamDraftGraph(ctx context.Context, args DraftGraphArgs, opts CallOpts) (Stream, error) {
	sa, ok := f.adapters[0].(StreamingAdapter)
	if !ok {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("primary provider %s does not support streaming", f.adapters[0].Name()),
		}
	}
	return sa.StreamDraftGraph(ctx, args, opts)
}
