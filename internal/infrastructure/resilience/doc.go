/*
Package resilience provides the circuit breaker that guards calls leaving
the host: the API gateway's upstream and the HTTP forwarder's bridge
endpoint.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open

Closed passes calls through and counts failures. Open fails fast with
ErrCircuitOpen. Half-Open admits MaxRequests probes and rejects the rest
with ErrTooManyRequests.

# Usage

	breaker := resilience.New("gateway", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	resp, err := resilience.Do(ctx, breaker, func(ctx context.Context) (*Response, error) {
		return client.Call(ctx)
	})

Which errors count as failures is decided by Settings.IsSuccessful; by
default only nil and context.Canceled are successes.
*/
package resilience
