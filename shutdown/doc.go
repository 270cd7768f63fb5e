// Package shutdown coordinates graceful relay teardown.
//
// # Overview
//
// A Coordinator runs registered handlers when the relay stops, in
// phase order: lower phases first, handlers within a phase
// concurrently. The relay's phases close the intake before the sweeps
// and the sweeps before the transports, so nothing new enters while
// queued work settles and in-flight deliveries get their chance to
// finish.
//
// # Usage
//
//	coord := shutdown.New(shutdown.DefaultConfig())
//	coord.HandleSignals()
//
//	coord.RegisterFuncWithPhase("router", func(ctx context.Context) error {
//	    return r.Close()
//	}, shutdown.PhaseIntake)
//	coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
//	    return bus.Close()
//	}, shutdown.PhaseSweeps)
//	coord.RegisterFuncWithPhase("nats", func(ctx context.Context) error {
//	    return channel.Close()
//	}, shutdown.PhaseTransports)
//
//	<-coord.Done()
//
// Handlers should respect the context, which is cancelled when the
// shutdown timeout lapses:
//
//	func (s *Station) OnShutdown(ctx context.Context) error {
//	    s.refuseNewWork()
//	    for {
//	        select {
//	        case <-ctx.Done():
//	            return ctx.Err()
//	        case job := <-s.pending:
//	            s.requeue(job)
//	        default:
//	            return nil
//	        }
//	    }
//	}
//
// # Outcomes
//
// Shutdown keeps going past a failing handler unless StopOnError is
// set, so every component gets its chance to release resources. After
// Done closes, Result reports per-handler durations and errors.
package shutdown
