package viewer

import "github.com/drosenbauer/sightline/pkg/protocol"

// framePipeline implements the latest-frame backpressure policy: at most one
// frame is in flight and at most one is parked as the pending candidate.
// A newer arrival overwrites the parked frame, so a slow detector sees the
// freshest capture instead of a growing backlog.
//
// The pipeline is owned by the orchestrator's run loop and is not safe for
// concurrent use.
type framePipeline struct {
	inFlight bool
	pending  *protocol.FrameRequest
	dropped  uint64
}

// offer hands a newly arrived frame to the pipeline. It returns the frame to
// process now, or nil if one is already in flight and the frame was parked.
func (p *framePipeline) offer(f *protocol.FrameRequest) *protocol.FrameRequest {
	if p.inFlight {
		if p.pending != nil {
			p.dropped++
		}
		p.pending = f
		return nil
	}
	p.inFlight = true
	return f
}

// complete marks the in-flight frame finished. It returns the parked frame
// to process next, or nil if the pipeline is now idle.
func (p *framePipeline) complete() *protocol.FrameRequest {
	if p.pending == nil {
		p.inFlight = false
		return nil
	}
	next := p.pending
	p.pending = nil
	return next
}

// reset discards all pipeline state, used when the capture peer goes away.
func (p *framePipeline) reset() {
	p.inFlight = false
	p.pending = nil
}

// depth returns the number of frames currently held (in flight plus parked).
func (p *framePipeline) depth() int {
	n := 0
	if p.inFlight {
		n++
	}
	if p.pending != nil {
		n++
	}
	return n
}
