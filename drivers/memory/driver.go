// Package memory implements an in-process queue driver. Jobs are ordered by
// priority (lower value first) and then by push order, released jobs wait in
// a delayed set until their delay elapses.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/jobworker/job"
	"go.uber.org/zap"
)

const (
	pluginName string = "memory"
)

var (
	_ job.Driver    = (*Driver)(nil)
	_ job.Discarder = (*Driver)(nil)
	_ job.Pusher    = (*Driver)(nil)
)

type Driver struct {
	mu       sync.Mutex
	log      *zap.Logger
	queues   map[string]*queue
	reserved map[string]*item
	// ids of every queued, delayed or reserved job
	ids map[string]struct{}
	seq uint64

	// overridable in tests
	now func() time.Time
}

type item struct {
	jb          *job.Job
	availableAt time.Time
	seq         uint64
	index       int
}

type queue struct {
	ready   readyHeap
	delayed delayedHeap
}

func NewDriver(log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}

	return &Driver{
		log:      log.Named(pluginName),
		queues:   make(map[string]*queue),
		reserved: make(map[string]*item),
		ids:      make(map[string]struct{}),
		now:      time.Now,
	}
}

func (d *Driver) Name() string {
	return pluginName
}

// Push adds the job to its queue. Jobs without ID get a random one, an ID
// which is still queued or reserved is rejected.
func (d *Driver) Push(_ context.Context, j *job.Job) error {
	const op = errors.Op("memory_driver_push")

	if j == nil {
		return errors.E(op, errors.Str("job should not be nil"))
	}
	if j.Queue() == "" {
		return errors.E(op, errors.Errorf("job %s has no queue", j.ID()))
	}

	jb := j.Clone()
	if jb.Ident == "" {
		jb.Ident = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ids[jb.ID()]; ok {
		return errors.E(op, errors.Errorf("job %s is already queued", jb.ID()))
	}
	d.ids[jb.ID()] = struct{}{}

	d.seq++
	it := &item{
		jb:          jb,
		availableAt: d.now().Add(jb.Delay()),
		seq:         d.seq,
	}

	q := d.queue(jb.Queue())
	if jb.Delay() > 0 {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}

	d.log.Debug("job was pushed", zap.String("ID", jb.ID()), zap.String("queue", jb.Queue()), zap.Duration("delay", jb.Delay()))

	return nil
}

func (d *Driver) Pop(_ context.Context, name string) (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[name]
	if !ok {
		return nil, nil
	}

	now := d.now()
	for q.delayed.Len() > 0 && !q.delayed[0].availableAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		heap.Push(&q.ready, it)
	}

	if q.ready.Len() == 0 {
		return nil, nil
	}

	it := heap.Pop(&q.ready).(*item)
	it.jb.Attempt()
	d.reserved[it.jb.ID()] = it

	return it.jb.Clone(), nil
}

func (d *Driver) Complete(_ context.Context, j *job.Job) error {
	const op = errors.Op("memory_driver_complete")

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.reserved[j.ID()]; !ok {
		return errors.E(op, errors.Errorf("job %s is not reserved", j.ID()))
	}

	delete(d.reserved, j.ID())
	delete(d.ids, j.ID())
	return nil
}

func (d *Driver) Release(_ context.Context, j *job.Job, delay time.Duration) error {
	const op = errors.Op("memory_driver_release")

	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.reserved[j.ID()]
	if !ok {
		return errors.E(op, errors.Errorf("job %s is not reserved", j.ID()))
	}
	delete(d.reserved, j.ID())

	it.jb.UpdateRetryAfter(delay)
	it.availableAt = d.now().Add(delay)

	q := d.queue(it.jb.Queue())
	if delay > 0 {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}

	return nil
}

func (d *Driver) Discard(_ context.Context, j *job.Job) error {
	const op = errors.Op("memory_driver_discard")

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.reserved[j.ID()]; !ok {
		return errors.E(op, errors.Errorf("job %s is not reserved", j.ID()))
	}

	delete(d.reserved, j.ID())
	delete(d.ids, j.ID())
	return nil
}

// Len returns the number of ready and delayed jobs in the queue.
func (d *Driver) Len(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[name]
	if !ok {
		return 0
	}

	return q.ready.Len() + q.delayed.Len()
}

// Reserved returns the number of popped jobs not yet completed, released or discarded.
func (d *Driver) Reserved() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.reserved)
}

func (d *Driver) queue(name string) *queue {
	q, ok := d.queues[name]
	if !ok {
		q = &queue{}
		d.queues[name] = q
	}

	return q
}
