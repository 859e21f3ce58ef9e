package reactor

import "sync"

// chunkSize is the number of tasks per node in the chunked ingress queue:
// 128 tasks per chunk amortizes allocation and keeps cache locality, the
// same tradeoff eventloop/ingress.go's ChunkedIngress makes for submission
// under contention (its own comment: "benchmarks showed mutex outperforms
// lock-free under high contention... Chunking provides cache locality").
const chunkSize = 128

var chunkPool = sync.Pool{New: func() any { return &chunk{} }}

type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	chunkPool.Put(c)
}

// taskQueue is a chunked linked-list queue for work submitted to a looper
// from other goroutines. Not internally synchronized - callers hold the
// looper's ingress mutex, matching eventloop's ChunkedIngress contract.
type taskQueue struct {
	head   *chunk
	tail   *chunk
	length int
}

func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

func (q *taskQueue) pop() (func(), bool) {
	if q.head == nil {
		return nil, false
	}
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos, q.head.readPos = 0, 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnChunk(old)
	}
	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos, q.head.readPos = 0, 0
		} else {
			old := q.head
			q.head = q.head.next
			returnChunk(old)
		}
	}
	return task, true
}

func (q *taskQueue) len() int { return q.length }
