package task

import "container/heap"

// pending is a per-category priority queue: higher priority first, then
// submission order.
type pending []*job

func (q pending) Len() int { return len(q) }

func (q pending) Less(i, j int) bool {
	ri, rj := q[i].task.Priority.rank(), q[j].task.Priority.rank()
	if ri != rj {
		return ri > rj
	}
	return q[i].seq < q[j].seq
}

func (q pending) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pending) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *pending) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

func (q *pending) push(j *job) { heap.Push(q, j) }

func (q *pending) pop() *job {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*job)
}

// remove drops j if it is still queued.
func (q *pending) remove(j *job) bool {
	if j.index < 0 || j.index >= q.Len() || (*q)[j.index] != j {
		return false
	}
	heap.Remove(q, j.index)
	return true
}
