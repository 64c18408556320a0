package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type item struct {
	env     Envelope
	readyAt time.Time
	index   int
}

// readyHeap orders by (weight, seq).
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].env.Weight != h[j].env.Weight {
		return h[i].env.Weight < h[j].env.Weight
	}
	return h[i].env.Seq < h[j].env.Seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type topicState struct {
	ready   readyHeap
	delayed map[string]*item
	byJob   map[string]*item
	// leased holds dequeued envelopes; readyAt is the visibility deadline.
	leased map[string]*item
	dead   []Envelope
}

// Memory is an in-process Queue used when no Redis URL is configured.
type Memory struct {
	mu         sync.Mutex
	topics     map[string]*topicState
	progress   map[string]Progress
	seq        int64
	now        func() time.Time
	visibility time.Duration
}

type MemoryOption func(*Memory)

// WithMemoryVisibility overrides DefaultVisibility.
func WithMemoryVisibility(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.visibility = d
		}
	}
}

func NewMemory(now func() time.Time, opts ...MemoryOption) *Memory {
	if now == nil {
		now = time.Now
	}
	m := &Memory{
		topics:     make(map[string]*topicState),
		progress:   make(map[string]Progress),
		now:        now,
		visibility: DefaultVisibility,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) topic(name string) *topicState {
	ts, ok := m.topics[name]
	if !ok {
		ts = &topicState{
			delayed: make(map[string]*item),
			byJob:   make(map[string]*item),
			leased:  make(map[string]*item),
		}
		m.topics[name] = ts
	}
	return ts
}

func (m *Memory) Enqueue(_ context.Context, topic string, env Envelope) error {
	if err := validate(topic, env); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	if _, dup := ts.byJob[env.JobID]; dup {
		return nil
	}
	m.seq++
	env.Seq = m.seq
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = m.now().UTC()
	}
	it := &item{env: env}
	heap.Push(&ts.ready, it)
	ts.byJob[env.JobID] = it
	return nil
}

func (m *Memory) promote(ts *topicState) {
	now := m.now()
	for id, it := range ts.delayed {
		if !now.Before(it.readyAt) {
			delete(ts.delayed, id)
			heap.Push(&ts.ready, it)
		}
	}
}

// sweep retries every lease whose deadline has passed. Backoff is measured
// from the deadline, not from when the sweep noticed.
func (m *Memory) sweep(ts *topicState) {
	now := m.now()
	for id, it := range ts.leased {
		if now.Before(it.readyAt) {
			continue
		}
		delete(ts.leased, id)
		if env, again := m.schedule(ts, it.env, it.readyAt); !again {
			ts.dead = append(ts.dead, env)
		}
	}
}

// schedule bumps the attempt and parks env in the delayed set, or reports
// false when the policy is exhausted.
func (m *Memory) schedule(ts *topicState, env Envelope, from time.Time) (Envelope, bool) {
	env.Attempt++
	if env.Attempt >= env.Retry.Attempts {
		return env, false
	}
	it := &item{env: env, readyAt: from.Add(env.Retry.Delay(env.Attempt)), index: -1}
	ts.delayed[env.JobID] = it
	ts.byJob[env.JobID] = it
	return env, true
}

func (m *Memory) Dequeue(_ context.Context, topic string) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	m.sweep(ts)
	m.promote(ts)
	if ts.ready.Len() == 0 {
		return Envelope{}, ErrEmpty
	}
	it := heap.Pop(&ts.ready).(*item)
	delete(ts.byJob, it.env.JobID)
	ts.leased[it.env.JobID] = &item{env: it.env, readyAt: m.now().Add(m.visibility), index: -1}
	return it.env, nil
}

func (m *Memory) Ack(_ context.Context, topic, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	_, ok := ts.leased[jobID]
	delete(ts.leased, jobID)
	return ok, nil
}

func (m *Memory) Retry(_ context.Context, topic string, env Envelope) (bool, error) {
	if err := validate(topic, env); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	delete(ts.leased, env.JobID)
	_, again := m.schedule(ts, env, m.now())
	return again, nil
}

func (m *Memory) Expired(_ context.Context, topic string) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	m.sweep(ts)
	out := ts.dead
	ts.dead = nil
	return out, nil
}

func (m *Memory) Remove(_ context.Context, topic, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topic)
	delete(ts.leased, jobID)
	it, ok := ts.byJob[jobID]
	if !ok {
		return false, nil
	}
	delete(ts.byJob, jobID)
	if _, delayed := ts.delayed[jobID]; delayed {
		delete(ts.delayed, jobID)
	} else if it.index >= 0 {
		heap.Remove(&ts.ready, it.index)
	}
	return true, nil
}

func (m *Memory) ReportProgress(_ context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.JobID] = p
	return nil
}

func (m *Memory) Progress(_ context.Context, jobID string) (Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	return p, ok, nil
}

func (m *Memory) ClearProgress(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, jobID)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len reports ready plus delayed envelopes for a topic.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topic(topic).byJob)
}
