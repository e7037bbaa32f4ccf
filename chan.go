package cspz

// ChanKind selects the queue variant backing a channel: choose the kind
// matching how many processes push and pop concurrently. Narrower kinds are
// cheaper; a single-kind end used from two processes at once is a data race.
type ChanKind uint8

const (
	// SPSC is single producer, single consumer.
	SPSC ChanKind = iota
	// SPMC is single producer, multiple consumers.
	SPMC
	// MPSC is multiple producers, single consumer.
	MPSC
	// MPMC is multiple producers, multiple consumers.
	MPMC
)

// Chan is a typed bounded channel: a thin wrapper over one ring buffer
// queue. The Try forms never block; the blocking forms take the calling
// process and yield it to the scheduler between futile attempts, so a full
// push or empty pop suspends the process rather than the core.
//
// Within a single channel, items are delivered in an order consistent with a
// linearisation of producer reservations. There is no built-in select; poll
// several channels with the Try forms and yield when none succeeds, with
// priority given by polling order.
type Chan[T any] struct {
	q *Queue[T]
}

// NewChan creates a channel with 1 << capExp slots.
func NewChan[T any](kind ChanKind, capExp uint) *Chan[T] {
	var q *Queue[T]
	switch kind {
	case SPSC:
		q = NewSPSCQueue[T](capExp)
	case SPMC:
		q = NewSPMCQueue[T](capExp)
	case MPSC:
		q = NewMPSCQueue[T](capExp)
	default:
		q = NewMPMCQueue[T](capExp)
	}
	return &Chan[T]{q: q}
}

// Cap returns the slot capacity.
func (c *Chan[T]) Cap() int { return c.q.Cap() }

// TryPush sends item without blocking, reporting whether it was accepted.
func (c *Chan[T]) TryPush(item T) bool { return c.q.TryPush(item) }

// Push sends item, yielding p until a slot frees up.
func (c *Chan[T]) Push(p *Proc, item T) {
	for !c.q.TryPush(item) {
		p.Yield()
	}
}

// TryPop receives into item without blocking, reporting whether a value was
// taken.
func (c *Chan[T]) TryPop(item *T) bool { return c.q.TryPop(item) }

// Pop receives into item, yielding p until a value arrives.
func (c *Chan[T]) Pop(p *Proc, item *T) {
	for !c.q.TryPop(item) {
		p.Yield()
	}
}

// TryPushMany sends all of items in one reservation, or none of them.
func (c *Chan[T]) TryPushMany(items []T) bool { return c.q.TryPushMany(items) }

// PushMany sends all of items, in chunks under backpressure, yielding p when
// even a single slot is unavailable.
func (c *Chan[T]) PushMany(p *Proc, items []T) {
	for len(items) > 0 {
		chunk := len(items)
		if chunk > c.q.Cap() {
			chunk = c.q.Cap()
		}
		for !c.q.TryPushMany(items[:chunk]) {
			if chunk > 1 {
				chunk >>= 1
			} else {
				p.Yield()
			}
		}
		items = items[chunk:]
	}
}

// TryPopMany receives up to len(items) values and returns how many arrived.
func (c *Chan[T]) TryPopMany(items []T) int { return c.q.TryPopMany(items) }

// PopMany receives exactly len(items) values, yielding p while the channel
// is empty.
func (c *Chan[T]) PopMany(p *Proc, items []T) {
	for len(items) > 0 {
		n := c.q.TryPopMany(items)
		if n == 0 {
			p.Yield()
			continue
		}
		items = items[n:]
	}
}

// Destroy releases the channel's buffer. Using the channel afterwards is a
// programming error.
func (c *Chan[T]) Destroy() { c.q = nil }
