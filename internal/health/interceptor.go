package health

import (
	"context"
	"time"

	"p2pmesh/internal/protocol"
)

// DispatchInterceptor adapts a MetricsRegistry onto the protocol runtime's
// Interceptor hook (spec.md §4.3), recording one Observe call per
// request/response turn against the resource named by resourceName.
type DispatchInterceptor struct {
	resource *ResourceMetrics
}

// NewDispatchInterceptor returns an Interceptor that records request
// count, error count, and response time into registry's named resource.
func NewDispatchInterceptor(registry *MetricsRegistry, resourceName string) *DispatchInterceptor {
	return &DispatchInterceptor{resource: registry.Resource(resourceName)}
}

const metricsStartKey = "metricsStart"

// Pre stamps the request's arrival time; it never vetoes processing.
func (d *DispatchInterceptor) Pre(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	mctx.Set(metricsStartKey, time.Now())
	return nil, nil
}

// Post records the completed turn's latency and outcome.
func (d *DispatchInterceptor) Post(ctx context.Context, mctx *protocol.MessageContext, req, resp *protocol.Envelope) {
	var elapsed time.Duration
	if v, ok := mctx.Get(metricsStartKey); ok {
		if start, ok := v.(time.Time); ok {
			elapsed = time.Since(start)
		}
	}
	var err error
	if resp != nil && resp.Type == protocol.TypeError {
		err = protocol.NewError(protocol.CodeInternalError, "request completed with an error response")
	}
	op := ""
	if req != nil {
		op = string(req.Type)
	}
	d.resource.Observe(op, err, elapsed)
}

var _ protocol.Interceptor = (*DispatchInterceptor)(nil)
