package pipeline

import "sync"

// Acknowledger acknowledges delivered records back to the disk buffer, in
// the order they were read. *diskbuffer.Acker implements it.
type Acknowledger interface {
	Ack(n int)
}

// ackFrontier converts out-of-order batch completions into in-order
// acknowledgements. Records are numbered from zero in read order; the
// frontier acknowledges the longest completed prefix.
type ackFrontier struct {
	acker Acknowledger

	mu   sync.Mutex
	next uint64
	done map[uint64]struct{}
}

func newAckFrontier(acker Acknowledger) *ackFrontier {
	return &ackFrontier{
		acker: acker,
		done:  make(map[uint64]struct{}),
	}
}

// complete marks seqs as finished and acknowledges any newly contiguous
// run. It returns the number of records acknowledged.
func (f *ackFrontier) complete(seqs []uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range seqs {
		if s >= f.next {
			f.done[s] = struct{}{}
		}
	}
	n := 0
	for {
		if _, ok := f.done[f.next]; !ok {
			break
		}
		delete(f.done, f.next)
		f.next++
		n++
	}
	if n > 0 {
		f.acker.Ack(n)
	}
	return n
}

// outstanding returns the number of completed records waiting on an
// earlier one.
func (f *ackFrontier) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.done)
}
