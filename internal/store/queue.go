package store

import (
	"context"
	"sync"
	"time"

	"dripsend/internal/campaign"
	logx "dripsend/pkg/logx"
)

const defaultCacheTTL = 30 * time.Second

// queued wraps a driver with single-writer semantics and a read-through
// cache. All mutations flow through one goroutine, so concurrent Put/Delete
// calls can never interleave half-written state; each call returns after its
// write has been applied by the writer.
type queued struct {
	d   driver
	log logx.Logger

	writes chan writeReq

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	ttl time.Duration

	cmu   sync.Mutex
	cache map[string]cacheEntry
}

type writeReq struct {
	apply func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

type cacheEntry struct {
	c       *campaign.Campaign
	expires time.Time
}

func newQueued(d driver, ttl time.Duration, log logx.Logger) *queued {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	q := &queued{
		d:       d,
		log:     log,
		writes:  make(chan writeReq, 64),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		ttl:     ttl,
		cache:   map[string]cacheEntry{},
	}
	go q.writer()
	return q
}

func (q *queued) writer() {
	defer close(q.done)
	for {
		select {
		case <-q.stopped:
			// Drain already-queued writes so accepted Puts are not lost.
			for {
				select {
				case req := <-q.writes:
					req.reply <- req.apply(req.ctx)
				default:
					return
				}
			}
		case req := <-q.writes:
			req.reply <- req.apply(req.ctx)
		}
	}
}

func (q *queued) submit(ctx context.Context, apply func(ctx context.Context) error) error {
	req := writeReq{apply: apply, ctx: ctx, reply: make(chan error, 1)}
	select {
	case <-q.stopped:
		return ErrClosed
	case q.writes <- req:
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		// The write may still be applied by the writer; the caller only loses
		// the acknowledgement.
		return ctx.Err()
	}
}

func (q *queued) Put(ctx context.Context, c *campaign.Campaign) error {
	cp := c.Clone()
	err := q.submit(ctx, func(ctx context.Context) error {
		return q.d.put(ctx, cp)
	})
	if err != nil {
		return err
	}
	q.cacheStore(cp)
	return nil
}

func (q *queued) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	if c, ok := q.cacheLoad(id); ok {
		return c, nil
	}
	c, err := q.d.get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.cacheStore(c)
	return c.Clone(), nil
}

func (q *queued) List(ctx context.Context) ([]*campaign.Campaign, error) {
	cs, err := q.d.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*campaign.Campaign, len(cs))
	for i, c := range cs {
		q.cacheStore(c)
		out[i] = c.Clone()
	}
	return out, nil
}

func (q *queued) Delete(ctx context.Context, id string) error {
	err := q.submit(ctx, func(ctx context.Context) error {
		return q.d.delete(ctx, id)
	})
	if err != nil {
		return err
	}
	q.cmu.Lock()
	delete(q.cache, id)
	q.cmu.Unlock()
	return nil
}

func (q *queued) Close() error {
	q.stopOnce.Do(func() { close(q.stopped) })
	<-q.done
	return q.d.close()
}

func (q *queued) cacheLoad(id string) (*campaign.Campaign, bool) {
	if q.ttl < 0 {
		return nil, false
	}
	q.cmu.Lock()
	defer q.cmu.Unlock()
	e, ok := q.cache[id]
	if !ok || time.Now().After(e.expires) {
		delete(q.cache, id)
		return nil, false
	}
	return e.c.Clone(), true
}

func (q *queued) cacheStore(c *campaign.Campaign) {
	if q.ttl < 0 || c == nil {
		return
	}
	q.cmu.Lock()
	q.cache[c.ID] = cacheEntry{c: c.Clone(), expires: time.Now().Add(q.ttl)}
	q.cmu.Unlock()
}
