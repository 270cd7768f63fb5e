// Package delivery moves message payloads to agent endpoints.
//
// # Overview
//
// The Channel interface hides how bytes reach an agent. The router
// resolves WHO receives a message; delivery only answers HOW the bytes
// get there. A Handle names the destination: the agent, the delivery
// kind, and a channel-specific address.
//
// # Delivery Kinds
//
//   - KindPersistent: fire into the agent's buffered endpoint and return
//   - KindOneShot: block until the recipient acknowledges receipt
//
// # Available Implementations
//
//   - Memory: in-process endpoints for testing and single-process swarms
//   - NATS: publish or request/reply over a NATS connection
//   - WebSocket: push to agents connected over accepted WebSocket conns
//
// # Usage
//
// Deliver to an in-process agent:
//
//	ch := delivery.NewMemory(delivery.DefaultConfig())
//	ep, _ := ch.Attach("worker-1")
//
//	go func() {
//	    for p := range ep.Payloads() {
//	        process(p.Data)
//	        p.Ack()
//	    }
//	}()
//
//	handle := delivery.Handle{AgentID: "worker-1", Kind: delivery.KindOneShot}
//	err := ch.Deliver(ctx, handle, data)
//
// One-shot deliveries report ErrTimeout when no acknowledgment arrives
// before the context or AckTimeout expires. Persistent deliveries report
// ErrBufferFull when the endpoint cannot absorb the payload.
package delivery
