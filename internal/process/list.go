package process

import "fmt"

// List is an ordered collection of records. Push and Pop work on the tail so
// the most recently pushed record is reused first. Moving a record between
// lists is a transfer: a record may be pushed only after it has been removed
// from its previous list.
type List struct {
	items []*Record
}

// Push appends r. It panics if r still belongs to another list.
func (l *List) Push(r *Record) {
	if r.owner != nil {
		panic(fmt.Sprintf("process: record %d pushed while owned by another list", r.pid))
	}
	r.owner = l
	l.items = append(l.items, r)
}

// Pop removes and returns the tail record, or nil when empty.
func (l *List) Pop() *Record {
	n := len(l.items)
	if n == 0 {
		return nil
	}
	r := l.items[n-1]
	l.items[n-1] = nil
	l.items = l.items[:n-1]
	r.owner = nil
	return r
}

// Take removes the record at index i, preserving the order of the rest.
func (l *List) Take(i int) *Record {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	r := l.items[i]
	copy(l.items[i:], l.items[i+1:])
	l.items[len(l.items)-1] = nil
	l.items = l.items[:len(l.items)-1]
	r.owner = nil
	return r
}

// Remove takes r out of the list if present.
func (l *List) Remove(r *Record) bool {
	for i, it := range l.items {
		if it == r {
			l.Take(i)
			return true
		}
	}
	return false
}

func (l *List) Len() int { return len(l.items) }

// At returns the record at index i without removing it.
func (l *List) At(i int) *Record {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

func (l *List) Contains(r *Record) bool { return r != nil && r.owner == l }

// IndexPid returns the index of the record for pid, or -1.
func (l *List) IndexPid(pid int) int {
	for i, r := range l.items {
		if r.pid == pid {
			return i
		}
	}
	return -1
}

// IndexFD returns the index of the record whose control channel is fd, or -1.
func (l *List) IndexFD(fd int) int {
	for i, r := range l.items {
		if r.fd == fd {
			return i
		}
	}
	return -1
}

// Snapshot returns the status of every record, oldest first.
func (l *List) Snapshot() []Status {
	out := make([]Status, 0, len(l.items))
	for _, r := range l.items {
		out = append(out, r.Status())
	}
	return out
}
