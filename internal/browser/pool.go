package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("browser pool is closed")

const closeTimeout = 10 * time.Second

// Slot is one unit of pool capacity: a browser and its 1-based index.
type Slot struct {
	Index    int
	Instance Instance
}

// Pool hands out a fixed set of browser instances, one task at a time each.
// Acquire blocks while every slot is leased, which bounds the number of
// concurrent solves by the pool size.
type Pool struct {
	slots  chan *Slot
	all    []*Slot
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewPool launches size browsers through driver. Any launch failure closes
// the browsers already started and is returned.
func NewPool(ctx context.Context, driver Driver, size int, logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	logger = logger.Named("pool")

	all := make([]*Slot, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range all {
		g.Go(func() error {
			inst, err := driver.Launch(gctx)
			if err != nil {
				return fmt.Errorf("failed to launch browser %d: %w", i+1, err)
			}
			all[i] = &Slot{Index: i + 1, Instance: inst}
			logger.Debug("Browser initialized", zap.Int("slot", i+1), zap.String("driver", driver.Name()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range all {
			if s != nil {
				closeInstance(s, logger)
			}
		}
		return nil, err
	}

	p := newPool(all, logger)
	logger.Info("Browser pool initialized", zap.Int("browsers", size), zap.String("driver", driver.Name()))
	return p, nil
}

func newPool(all []*Slot, logger *zap.Logger) *Pool {
	p := &Pool{
		slots:  make(chan *Slot, len(all)),
		all:    all,
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, s := range all {
		p.slots <- s
	}
	return p
}

// Acquire waits for a free slot. The returned lease must be released exactly
// once; extra Release calls are ignored.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case s := <-p.slots:
		// select picks at random when done is also ready.
		select {
		case <-p.done:
			p.slots <- s
			return nil, ErrPoolClosed
		default:
		}
		return &Lease{slot: s, pool: p}, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size is the fixed capacity of the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// Available is the number of slots not currently leased.
func (p *Pool) Available() int {
	return len(p.slots)
}

// Close stops handing out slots and closes every browser. Callers should
// drain in-flight leases first.
func (p *Pool) Close(ctx context.Context) error {
	var errs []error
	p.once.Do(func() {
		close(p.done)
		for _, s := range p.all {
			if err := s.Instance.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("browser %d: %w", s.Index, err))
			}
		}
		p.logger.Info("Browser pool closed")
	})
	return errors.Join(errs...)
}

func closeInstance(s *Slot, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Instance.Close(ctx); err != nil {
		logger.Warn("Failed to close browser", zap.Int("slot", s.Index), zap.Error(err))
	}
}

// Lease is the exclusive use of one slot until Release.
type Lease struct {
	slot *Slot
	pool *Pool
	once sync.Once
}

func (l *Lease) Index() int {
	return l.slot.Index
}

func (l *Lease) Instance() Instance {
	return l.slot.Instance
}

// Release returns the slot to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.slots <- l.slot
	})
}
