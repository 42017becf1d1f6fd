package audioio

import (
	"sync"
	"time"
)

// chunker accumulates device callbacks of arbitrary size into fixed-size
// chunks of blockSize frames.
type chunker struct {
	cfg     Config
	pending []float32
}

func newChunker(cfg Config) *chunker {
	return &chunker{
		cfg:     cfg,
		pending: make([]float32, 0, cfg.BlockSize*cfg.Channels*2),
	}
}

// push appends samples and returns every complete chunk.
func (c *chunker) push(samples []float32) []Chunk {
	c.pending = append(c.pending, samples...)

	size := c.cfg.BlockSize * c.cfg.Channels
	var out []Chunk
	for len(c.pending) >= size {
		block := make([]float32, size)
		copy(block, c.pending[:size])
		c.pending = c.pending[size:]
		out = append(out, Chunk{
			Samples:    block,
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
			Captured:   time.Now(),
		})
	}

	// compact so the backing array does not grow without bound
	if len(c.pending) > 0 && cap(c.pending)-len(c.pending) < size {
		c.pending = append(make([]float32, 0, size*2), c.pending...)
	}
	return out
}

func (c *chunker) reset() {
	c.pending = c.pending[:0]
}

// sampleQueue is the playback FIFO shared by device sinks. The device
// callback pulls from it; underruns are filled with silence and counted.
// It also keeps a frame clock: the number of frames the device has consumed.
type sampleQueue struct {
	mu        sync.Mutex
	rate      int
	buf       []int16
	played    int64
	underruns int64
	drained   chan struct{}
}

func newSampleQueue(rate int) *sampleQueue {
	return &sampleQueue{rate: rate, drained: make(chan struct{})}
}

func (q *sampleQueue) push(samples []int16) {
	q.mu.Lock()
	q.buf = append(q.buf, samples...)
	q.mu.Unlock()
}

// pull fills out completely, padding with zeros when the queue runs dry.
func (q *sampleQueue) pull(out []int16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := copy(out, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if n < len(out) && n > 0 {
		q.underruns++
	}
	q.played += int64(len(out))

	if len(q.buf) == 0 {
		select {
		case <-q.drained:
		default:
			close(q.drained)
		}
	}
}

func (q *sampleQueue) clear() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
}

func (q *sampleQueue) buffered() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.buf))
}

// waitDrained returns a channel closed once the queue has been emptied by
// the device after the call.
func (q *sampleQueue) waitDrained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	q.drained = make(chan struct{})
	return q.drained
}

// now returns the device clock: elapsed playback time of consumed frames.
func (q *sampleQueue) now() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rate <= 0 {
		return 0
	}
	return time.Duration(float64(q.played) / float64(q.rate) * float64(time.Second))
}
