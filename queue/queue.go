// queue.go - Min-Heap based priority queue.
// Copyright (C) 2025  The torlite authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue, used for deadline-ordered
// bookkeeping such as circuit id hold-down expiry.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue is a priority queue instance.
type PriorityQueue struct {
	heap []*Entry
}

// Less implements the sort.Interface Less method.
func (q PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements the sort.Interface Swap method.
func (q PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements the heap.Interface Push method.
func (q *PriorityQueue) Push(x interface{}) {
	entry := x.(*Entry)
	q.heap = append(q.heap, entry)
}

// Pop implements the heap.Interface Pop method.
func (q *PriorityQueue) Pop() interface{} {
	if q.Len() <= 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the 0th entry (lowest priority) if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// Dequeue removes and returns the 0th entry (lowest priority) if any.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Remove(q, 0).(*Entry)
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// FilterOnce removes the first entry for which the provided filter function
// returns true, if any.
func (q *PriorityQueue) FilterOnce(fn func(value interface{}) bool) *Entry {
	for i, e := range q.heap {
		if fn(e.Value) {
			return heap.Remove(q, i).(*Entry)
		}
	}
	return nil
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
