// internal/hub/broadcast.go
package hub

import (
	"context"
	"sync"

	"github.com/erilali/chathub/internal/message"
)

type recipientMode int

const (
	toAll recipientMode = iota
	toAllExcept
	toSenderOnly
)

// Recipients selects which live connections receive an event.
type Recipients struct {
	mode recipientMode
	conn Conn
}

func All() Recipients { return Recipients{mode: toAll} }

func AllExcept(c Conn) Recipients { return Recipients{mode: toAllExcept, conn: c} }

func SenderOnly(c Conn) Recipients { return Recipients{mode: toSenderOnly, conn: c} }

// Outcome of one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "failed"
}

type Delivery struct {
	Conn    Conn
	Outcome Outcome
	Err     error
}

// Report aggregates the outcome of a Deliver call.
type Report struct {
	Deliveries []Delivery
}

func (r Report) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == Delivered {
			n++
		}
	}
	return n
}

func (r Report) Failed() []Conn {
	var failed []Conn
	for _, d := range r.Deliveries {
		if d.Outcome == Failed {
			failed = append(failed, d.Conn)
		}
	}
	return failed
}

func (h *Hub) resolve(to Recipients) []Conn {
	if to.mode == toSenderOnly {
		if to.conn == nil {
			return nil
		}
		return []Conn{to.conn}
	}
	entries := h.Registry.Snapshot()
	conns := make([]Conn, 0, len(entries))
	for _, e := range entries {
		if to.mode == toAllExcept && e.Conn == to.conn {
			continue
		}
		conns = append(conns, e.Conn)
	}
	return conns
}

// Deliver encodes ev once and sends it to every recipient concurrently,
// each bounded by the send timeout. Recipients that fail are disconnected
// after the whole pass, so one dead peer never holds up the others.
func (h *Hub) Deliver(ev message.Outbound, to Recipients) Report {
	data, err := message.Encode(ev)
	if err != nil {
		h.Logger.Errorf("Failed to encode %s event: %v", ev.Type(), err)
		return Report{}
	}

	targets := h.resolve(to)
	report := Report{Deliveries: make([]Delivery, len(targets))}
	var wg sync.WaitGroup
	for i, c := range targets {
		if c.Closed() {
			report.Deliveries[i] = Delivery{Conn: c, Outcome: Failed, Err: ErrConnClosed}
			continue
		}
		wg.Add(1)
		go func(i int, c Conn) {
			defer wg.Done()
			report.Deliveries[i] = h.sendOne(c, data)
		}(i, c)
	}
	wg.Wait()

	for _, d := range report.Deliveries {
		h.Metrics.Deliveries.WithLabelValues(d.Outcome.String()).Inc()
	}
	for _, d := range report.Deliveries {
		if d.Outcome == Failed {
			h.evict(d)
		}
	}
	return report
}

func (h *Hub) sendOne(c Conn, data []byte) Delivery {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.SendTimeout)
	defer cancel()
	if err := c.Send(ctx, data); err != nil {
		return Delivery{Conn: c, Outcome: Failed, Err: err}
	}
	return Delivery{Conn: c, Outcome: Delivered}
}

func (h *Hub) evict(d Delivery) {
	if _, registered := h.Registry.Lookup(d.Conn); registered {
		h.Metrics.Evictions.Inc()
		h.Logger.Warnf("Evicting connection %s after failed delivery: %v", d.Conn.ID(), d.Err)
	}
	h.Disconnect(d.Conn, "delivery failed")
}

func leaveEvent(id Identity) message.Leave {
	return message.Leave{Username: id.Username()}
}
