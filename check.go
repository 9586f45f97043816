package kevent

import (
	"errors"
	"fmt"
)

// check audits the ready list when built with the keventdebug tag. Must be
// called with q.mu held.
func (q *Queue) check() {
	if !debugChecks {
		return
	}
	if err := q.checkLocked(); err != nil {
		q.invariant("%v", err)
	}
}

// checkLocked verifies that exactly the queued knotes are on the ready
// list, and that the ready count matches. Must be called with q.mu held.
func (q *Queue) checkLocked() error {
	count := 0
	for n := q.head.next; n != &q.head; n = n.next {
		if n.next == nil || n.next.prev != n {
			return errors.New("kevent: ready list corrupt")
		}
		if n.kn == nil {
			continue
		}
		if n.kn.status&statusQueued == 0 {
			return fmt.Errorf("kevent: knote ident=%d filter=%s on ready list but not queued", n.kn.kev.Ident, n.kn.kev.Filter)
		}
		if n.kn.q != q {
			return fmt.Errorf("kevent: knote ident=%d filter=%s on foreign ready list", n.kn.kev.Ident, n.kn.kev.Filter)
		}
		count++
	}
	if count != q.count {
		return fmt.Errorf("kevent: ready count %d, but %d knotes queued", q.count, count)
	}
	return nil
}
