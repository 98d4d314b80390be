package proxy

import "sync/atomic"

// Stats is a point-in-time snapshot of the proxy's lifetime counters.
type Stats struct {
	AcceptedClients    uint64 // client connections accepted
	DialedBackends     uint64 // backend sockets opened
	ForwardedRequests  uint64 // requests handed to a backend connection
	DeliveredResponses uint64 // responses emitted to clients in order
	DroppedResponses   uint64 // responses discarded (originating client gone)
	Teardowns          uint64 // connections torn down for any reason
}

// statCounters are updated from the loop goroutine and read from anywhere.
type statCounters struct {
	acceptedClients    atomic.Uint64
	dialedBackends     atomic.Uint64
	forwardedRequests  atomic.Uint64
	deliveredResponses atomic.Uint64
	droppedResponses   atomic.Uint64
	teardowns          atomic.Uint64
}

// Stats returns a snapshot of the proxy counters. Safe to call from any
// goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		AcceptedClients:    s.stats.acceptedClients.Load(),
		DialedBackends:     s.stats.dialedBackends.Load(),
		ForwardedRequests:  s.stats.forwardedRequests.Load(),
		DeliveredResponses: s.stats.deliveredResponses.Load(),
		DroppedResponses:   s.stats.droppedResponses.Load(),
		Teardowns:          s.stats.teardowns.Load(),
	}
}
