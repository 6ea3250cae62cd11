package bgsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/queue"
)

// ErrUnknownTag is returned when firing a tag that names no queue kind.
var ErrUnknownTag = errors.New("unknown sync tag")

const (
	defaultProbeInterval = 10 * time.Second
	defaultWakeInterval  = 5 * time.Minute
)

type (
	Drainer interface {
		Drain(ctx context.Context, kind string) (Result, error)
	}

	// Probe tells whether the upstream is reachable.
	Probe interface {
		Online(ctx context.Context) bool
	}

	// KindLister lists the kinds that have pending writes.
	KindLister interface {
		Kinds(ctx context.Context) ([]queue.KindCount, error)
	}

	SchedulerOptions struct {
		ProbeInterval time.Duration // connectivity polling
		WakeInterval  time.Duration // periodic sync of every registered tag
	}

	// Scheduler keeps the registered sync tags and fires them when connectivity returns.
	// A tag stays registered until a drain leaves its queue empty.
	Scheduler struct {
		drainer Drainer
		probe   Probe
		opts    SchedulerOptions
		log     core.Logger

		mu     sync.Mutex
		seq    uint64
		tags   map[string]uint64 // tag => sequence number of its last registration
		online bool
		last   map[string]Fired

		kick   chan struct{}
		flight singleflight.Group
	}

	// Fired is the outcome of the last firing of a tag.
	Fired struct {
		Result
		At  time.Time `json:"at"`
		Err string    `json:"error,omitempty"`
	}
)

func NewScheduler(drainer Drainer, probe Probe, opts SchedulerOptions, log core.Logger) *Scheduler {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.WakeInterval <= 0 {
		opts.WakeInterval = defaultWakeInterval
	}
	return &Scheduler{
		drainer: drainer,
		probe:   probe,
		opts:    opts,
		log:     log,
		tags:    make(map[string]uint64),
		last:    make(map[string]Fired),
		kick:    make(chan struct{}, 1),
	}
}

// Register schedules tag for the next sync. Registering a registered tag is a no-op apart from
// keeping it registered past a drain already in progress.
func (s *Scheduler) Register(tag string) {
	s.mu.Lock()
	s.seq++
	s.tags[tag] = s.seq
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RegisterPending registers the tags of every kind having pending writes, e.g. after a restart.
func (s *Scheduler) RegisterPending(ctx context.Context, kinds KindLister) error {
	counts, err := kinds.Kinds(ctx)
	if err != nil {
		return errors.Wrap(err, "listing pending kinds")
	}
	for _, kc := range counts {
		if kc.Count > 0 {
			s.Register(TagFor(kc.Kind))
		}
	}
	return nil
}

// Registered returns the registered tags, sorted.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Last returns the outcome of the last firing of every tag fired so far.
func (s *Scheduler) Last() map[string]Fired {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := make(map[string]Fired, len(s.last))
	for tag, f := range s.last {
		last[tag] = f
	}
	return last
}

// Online returns the last connectivity state seen by Run.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Fire drains the queue of tag now. Concurrent firings of the same tag share one drain.
func (s *Scheduler) Fire(ctx context.Context, tag string) (Result, error) {
	kind, ok := KindOf(tag)
	if !ok {
		return Result{}, errors.Wrap(ErrUnknownTag, tag)
	}

	// the shared drain does not belong to any caller: it keeps going when one of them gives up
	drainCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(tag, func() (interface{}, error) {
		s.mu.Lock()
		regSeq, registered := s.tags[tag]
		s.mu.Unlock()

		res, err := s.drainer.Drain(drainCtx, kind)

		s.mu.Lock()
		defer s.mu.Unlock()
		fired := Fired{Result: res, At: time.Now().UTC()}
		if err != nil {
			fired.Err = err.Error()
		}
		s.last[tag] = fired
		if err == nil && !res.Remaining() && registered && s.tags[tag] == regSeq {
			delete(s.tags, tag)
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return Result{Kind: kind}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	}
}

// FireAll fires every registered tag concurrently and returns the first error.
func (s *Scheduler) FireAll(ctx context.Context) ([]Result, error) {
	tags := s.Registered()
	results := make([]Result, len(tags))

	var g errgroup.Group
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			res, err := s.Fire(ctx, tag)
			results[i] = res
			if err != nil {
				return errors.Wrapf(err, "firing %s", tag)
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (s *Scheduler) fireAll(ctx context.Context, reason string) {
	if len(s.Registered()) == 0 {
		return
	}
	s.log.Debug("firing sync tags", map[string]interface{}{"reason": reason})
	if _, err := s.FireAll(ctx); err != nil {
		s.log.Error("sync failed", err)
	}
}

func (s *Scheduler) setOnline(online bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.online != online
	s.online = online
	return changed
}

// Run polls the probe until ctx is done. Registered tags are fired when the upstream comes back
// online, when a tag is registered while online, and every wake interval.
func (s *Scheduler) Run(ctx context.Context) {
	probeTicker := time.NewTicker(s.opts.ProbeInterval)
	defer probeTicker.Stop()
	wakeTicker := time.NewTicker(s.opts.WakeInterval)
	defer wakeTicker.Stop()

	if s.setOnline(s.probe.Online(ctx)) {
		s.fireAll(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			online := s.probe.Online(ctx)
			if s.setOnline(online) {
				if online {
					s.log.Info("upstream is back online")
					s.fireAll(ctx, "online")
				} else {
					s.log.Warn("upstream is offline")
				}
			}
		case <-s.kick:
			if s.Online() {
				s.fireAll(ctx, "registered")
			}
		case <-wakeTicker.C:
			s.fireAll(ctx, "periodic")
		}
	}
}
