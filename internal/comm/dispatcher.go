package comm

import (
	"container/heap"
	"log/slog"

	"devlink/internal/protocol"
)

// SuccessCallback receives the response that completed a request.
type SuccessCallback func(*protocol.Response)

// FailureCallback receives the request that failed and the reason.
type FailureCallback func(*protocol.Request, error)

// PendingRequest wraps a request queued for transmission with its
// priority and completion callbacks. Exactly one of the two callbacks
// fires exactly once.
type PendingRequest struct {
	Request  *protocol.Request
	priority int
	seq      uint64

	success   SuccessCallback
	failure   FailureCallback
	completed bool
}

func (p *PendingRequest) Priority() int {
	return p.priority
}

// CompleteSuccess delivers the response to the success callback.
func (p *PendingRequest) CompleteSuccess(resp *protocol.Response) {
	if p.completed {
		return
	}
	p.completed = true
	if p.success != nil {
		p.success(resp)
	}
}

// CompleteFailure delivers the failure reason to the failure callback.
func (p *PendingRequest) CompleteFailure(err error) {
	if p.completed {
		return
	}
	p.completed = true
	if p.failure != nil {
		p.failure(p.Request, err)
	}
}

// Dispatcher is a priority queue mediating between many logical request
// producers and the single-outstanding-request comm handler. Higher
// priority pops first; equal priorities pop in insertion order.
type Dispatcher struct {
	logger *slog.Logger

	maxRequestPayloadSize  int
	maxResponsePayloadSize int

	queue requestQueue
	seq   uint64
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{logger: logger.With("component", "dispatcher")}
}

// SetSizeLimits caps the request payload and declared expected-response
// payload sizes. Zero means unlimited. Oversized registrations are
// dropped up front instead of wasting a round trip.
func (d *Dispatcher) SetSizeLimits(maxRequestPayload, maxResponsePayload int) {
	d.maxRequestPayloadSize = maxRequestPayload
	d.maxResponsePayloadSize = maxResponsePayload
}

// RegisterRequest enqueues a request. A request whose payload or declared
// expected-response size exceeds the configured ceilings is dropped
// silently: logged, no callback fired.
func (d *Dispatcher) RegisterRequest(req *protocol.Request, success SuccessCallback, failure FailureCallback, priority int) {
	if req == nil {
		return
	}
	if d.maxRequestPayloadSize > 0 && len(req.Payload) > d.maxRequestPayloadSize {
		d.logger.Warn("dropping oversized request",
			"command", req.Command, "subfunction", req.Subfunction,
			"payload_size", len(req.Payload), "limit", d.maxRequestPayloadSize)

		return
	}
	if d.maxResponsePayloadSize > 0 && req.ExpectedResponseSize > d.maxResponsePayloadSize {
		d.logger.Warn("dropping request with oversized expected response",
			"command", req.Command, "subfunction", req.Subfunction,
			"expected_response_size", req.ExpectedResponseSize, "limit", d.maxResponsePayloadSize)

		return
	}

	d.seq++
	heap.Push(&d.queue, &PendingRequest{
		Request:  req,
		priority: priority,
		seq:      d.seq,
		success:  success,
		failure:  failure,
	})
}

// PopNext removes and returns the highest-priority pending request, or
// nil when the queue is empty.
func (d *Dispatcher) PopNext() *PendingRequest {
	if d.queue.Len() == 0 {
		return nil
	}

	return heap.Pop(&d.queue).(*PendingRequest)
}

func (d *Dispatcher) Len() int {
	return d.queue.Len()
}

// Clear fails every queued request with err and empties the queue.
func (d *Dispatcher) Clear(err error) {
	for d.queue.Len() > 0 {
		record := heap.Pop(&d.queue).(*PendingRequest)
		record.CompleteFailure(err)
	}
}

// requestQueue implements heap.Interface: higher priority first, FIFO
// within a priority via the monotonic sequence number.
type requestQueue []*PendingRequest

func (q requestQueue) Len() int {
	return len(q)
}

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}

	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*PendingRequest))
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return item
}
