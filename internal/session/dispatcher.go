package session

import (
	"github.com/codefionn/coderaid/internal/logger"
)

// Outbound is the session's view of a participant connection. Send methods
// enqueue into the participant's own outbound queue and must never block; a
// false return means the queue is full. Close tears the connection down and
// may be called from any goroutine.
type Outbound interface {
	ID() string
	SendSnapshot(seq uint64, content []byte) bool
	SendDelta(op *Operation) bool
	Close(reason string)
}

// dispatcher fans committed operations out to every attached participant.
// All methods are called with the owning session's lock held, which is what
// guarantees every participant observes deltas in commit order.
type dispatcher struct {
	participants map[string]Outbound
	log          *logger.Logger
}

func newDispatcher(log *logger.Logger) *dispatcher {
	return &dispatcher{
		participants: make(map[string]Outbound),
		log:          log,
	}
}

func (d *dispatcher) add(p Outbound) {
	d.participants[p.ID()] = p
}

func (d *dispatcher) remove(id string) bool {
	if _, ok := d.participants[id]; !ok {
		return false
	}
	delete(d.participants, id)
	return true
}

func (d *dispatcher) has(id string) bool {
	_, ok := d.participants[id]
	return ok
}

func (d *dispatcher) count() int {
	return len(d.participants)
}

// publish enqueues op to every participant, the author included: the submitter
// hears its own edit through the same ordered channel as everyone else. A
// participant whose queue is full is removed on the spot and closed from a
// separate goroutine, so a slow consumer never stalls the session.
func (d *dispatcher) publish(op *Operation) {
	for id, p := range d.participants {
		if p.SendDelta(op) {
			continue
		}
		delete(d.participants, id)
		d.log.Warn("participant %s dropped: outbound queue full at seq %d", id, op.Seq)
		go p.Close("slow_consumer")
	}
}

// closeAll removes every participant and closes them asynchronously
func (d *dispatcher) closeAll(reason string) {
	for id, p := range d.participants {
		delete(d.participants, id)
		go p.Close(reason)
	}
}
