package observe

import (
	"context"
	"time"

	"github.com/sibylabs/sibyl/pkg/engine"
)

// instrumentedEngine decorates an engine.Engine with request, error, and
// latency metrics. The decoration is transparent: classification and
// behaviour pass through unchanged.
type instrumentedEngine struct {
	inner   engine.Engine
	metrics *Metrics
}

var _ engine.Engine = (*instrumentedEngine)(nil)

// InstrumentEngine wraps e so every submission is recorded on m. A nil m
// returns e unchanged.
func InstrumentEngine(e engine.Engine, m *Metrics) engine.Engine {
	if m == nil {
		return e
	}
	return &instrumentedEngine{inner: e, metrics: m}
}

func (ie *instrumentedEngine) ID() string { return ie.inner.ID() }

func (ie *instrumentedEngine) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	start := time.Now()
	frag, err := ie.inner.Submit(ctx, chunk)
	elapsed := time.Since(start).Seconds()

	// The submission may outlive its session's context; record against the
	// background context so abandoned calls still count.
	mctx := context.WithoutCancel(ctx)
	if err != nil {
		kind := engine.KindOf(err)
		ie.metrics.RecordEngineRequest(mctx, ie.inner.ID(), "error", elapsed)
		ie.metrics.RecordEngineError(mctx, ie.inner.ID(), kind.String())
		return engine.Fragment{}, err
	}
	ie.metrics.RecordEngineRequest(mctx, ie.inner.ID(), "ok", elapsed)
	return frag, nil
}

func (ie *instrumentedEngine) HealthCheck(ctx context.Context) bool {
	return ie.inner.HealthCheck(ctx)
}
