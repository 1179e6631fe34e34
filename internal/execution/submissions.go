package execution

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// submission is what the engine remembers about an order it handed to a
// swap executor.
type submission struct {
	OrderID string
	Actor   string
	Side    domain.Side
	Size    float64
	State   domain.OrderState
	TxRef   string
	At      time.Time
}

// submissions refuses a second submission of the same order ID within ttl,
// and a second in-flight order for the same actor, asset and side. Callers
// hold the engine lock.
type submissions struct {
	byID     map[string]submission
	inFlight map[string]string // actor|asset|side -> order ID
	ttl      time.Duration
	clock    func() time.Time
}

func newSubmissions(ttl time.Duration, clock func() time.Time) *submissions {
	return &submissions{
		byID:     make(map[string]submission),
		inFlight: make(map[string]string),
		ttl:      ttl,
		clock:    clock,
	}
}

func flightKey(o domain.Order) string {
	return o.ActorID + "|" + o.AssetID + "|" + string(o.Side)
}

// begin records o as submitted.
func (s *submissions) begin(o domain.Order) error {
	now := s.clock()
	if prev, ok := s.byID[o.ID]; ok && now.Sub(prev.At) < s.ttl {
		return fmt.Errorf("%w: first submitted %s", domain.ErrDuplicateSubmit, prev.At.UTC().Format(time.RFC3339))
	}
	key := flightKey(o)
	if other, ok := s.inFlight[key]; ok && other != o.ID {
		return fmt.Errorf("%w: order %s already %s for %s", domain.ErrOrderInFlight, other, o.Side, o.ActorID)
	}
	s.inFlight[key] = o.ID
	s.byID[o.ID] = submission{
		OrderID: o.ID,
		Actor:   o.ActorID,
		Side:    o.Side,
		Size:    o.Size,
		State:   domain.OrderSubmitted,
		At:      now,
	}
	return nil
}

// finish stores the terminal state of o and frees its in-flight slot.
func (s *submissions) finish(o domain.Order) {
	key := flightKey(o)
	if s.inFlight[key] == o.ID {
		delete(s.inFlight, key)
	}
	if sub, ok := s.byID[o.ID]; ok {
		sub.State = o.State
		sub.TxRef = o.TxRef
		s.byID[o.ID] = sub
	}
}

func (s *submissions) lookup(id string) (submission, bool) {
	sub, ok := s.byID[id]
	if !ok || s.clock().Sub(sub.At) >= s.ttl {
		return submission{}, false
	}
	return sub, true
}

// prune drops expired terminal entries.
func (s *submissions) prune() {
	now := s.clock()
	for id, sub := range s.byID {
		if now.Sub(sub.At) >= s.ttl && sub.State != domain.OrderSubmitted {
			delete(s.byID, id)
		}
	}
}
