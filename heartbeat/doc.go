// Package heartbeat keeps registry statuses in step with agent
// liveness.
//
// # Overview
//
// Each agent runs a Sender that publishes agent.heartbeat events on
// the shared bus, carrying its self-reported status, a load metric,
// and free-form metadata. A single Monitor subscribes to those beats,
// tracks when each agent was last seen, and drives the registry: an
// agent silent past the timeout is marked inactive and announced as
// agent.offline; its next beat marks it active again and announces
// agent.recovered. The router picks the status change up on its next
// lookup, so messages for a silent agent queue instead of failing
// against a dead endpoint.
//
// # Sending
//
//	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      bus,
//	    AgentID:  "worker-1",
//	    Interval: 5 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sender.Start(ctx)
//	defer sender.Stop()
//
//	sender.SetLoad(0.7)
//	sender.SetMeta("version", "1.4.2")
//
// A beat that self-reports inactive is a drain announcement: the
// monitor records it but will not reactivate the agent while it keeps
// beating that way.
//
// # Monitoring
//
//	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:      bus,
//	    Registry: reg,
//	    Timeout:  15 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer monitor.Stop()
//
//	monitor.OnDead(func(agentID string) {
//	    // Reassign the agent's in-flight work.
//	})
//
// The timeout should be two to three beat intervals so one dropped
// beat does not flap the agent's status.
package heartbeat
