/*
Package tracing provides lightweight request tracing.

A trace follows one operation across processes: an HTTP request to the
runtime, the session forward it triggers, and the bridge endpoint that
serves the forward when the bridge runs elsewhere. Spans are logged at
debug level through zap; failed spans are logged as warnings.

# Usage

	tracer := tracing.New("runtime", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "bridge.forward")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	req.SetHeaders(tracing.Headers(ctx))

# Propagation

	X-Trace-ID  identifier of the whole flow
	X-Span-ID   identifier of the caller's span
*/
package tracing
