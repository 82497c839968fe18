package sequence

import "container/heap"

type ordered[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (o *ordered[T]) Len() int           { return len(o.items) }
func (o *ordered[T]) Less(i, j int) bool { return o.less(o.items[i], o.items[j]) }
func (o *ordered[T]) Swap(i, j int)      { o.items[i], o.items[j] = o.items[j], o.items[i] }

func (o *ordered[T]) Push(x any) {
	o.items = append(o.items, x.(T))
}

func (o *ordered[T]) Pop() any {
	old := o.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero // avoid memory leak
	o.items = old[:n-1]
	return item
}

// PriorityQueue is a generic heap ordered by the provided less function;
// Dequeue returns the smallest element under that ordering.
type PriorityQueue[T any] struct {
	o ordered[T]
}

func NewPriorityQueue[T any](less func(a, b T) bool) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{o: ordered[T]{less: less}}
	heap.Init(&pq.o)
	return pq
}

func (pq *PriorityQueue[T]) Enqueue(value T) {
	heap.Push(&pq.o, value)
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.o.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.o).(T), true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.o.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.o.items[0], true
}

func (pq *PriorityQueue[T]) Len() int {
	return pq.o.Len()
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.o.Len() == 0
}
