package events

// ring keeps the most recent records of one task. It is guarded by the
// owning feed's mutex.
type ring struct {
	records []Record
	size    int
	pos     int
	count   int
}

func newRing(size int) *ring {
	return &ring{records: make([]Record, size), size: size}
}

func (r *ring) add(rec Record) {
	r.records[r.pos] = rec
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// all returns retained records, oldest first.
func (r *ring) all() []Record {
	if r.count == 0 {
		return nil
	}
	out := make([]Record, r.count)
	start := (r.pos - r.count + r.size) % r.size
	for i := 0; i < r.count; i++ {
		out[i] = r.records[(start+i)%r.size]
	}
	return out
}
