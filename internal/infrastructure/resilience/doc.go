/*
Package resilience provides a circuit breaker for repeated connect attempts.

# Overview

A simulation that has not written its handshake file yet makes every
connect attempt fail the same way. After Threshold consecutive counted
failures the breaker opens and attempts fail fast with ErrCircuitOpen until
Timeout elapses; then one probe attempt is let through.

# Usage

	breaker := resilience.New("connect", resilience.Settings{
		Threshold: 5,
		Timeout:   30 * time.Second,
		IsFailure: func(err error) bool {
			return errors.Is(err, protocol.ErrHandshake) || errors.Is(err, protocol.ErrQueueCreate)
		},
	})

	err := breaker.Do(func() error {
		return orchestrator.connect(ctx)
	})

# States

	Closed --[Threshold failures]-> Open --[Timeout]-> Half-Open --[probe ok]-> Closed
	                                  ^                    |
	                                  +----[probe failed]--+
*/
package resilience
