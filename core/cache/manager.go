// Package cache manages the generation-qualified cache partitions and the install/activate lifecycle.
package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/web"
)

var (
	// ErrInstallFailed is returned by Initialize when not a single static asset could be stored.
	ErrInstallFailed = errors.New("cache install failed: no static asset stored")
	// ErrInvalidState is returned when a lifecycle call is made from the wrong state.
	ErrInvalidState = errors.New("invalid cache lifecycle state")
)

const defaultParallelism = 4

type (
	// Storage holds named partitions of captured responses. Implementations must be safe for concurrent use.
	Storage interface {
		Partitions(ctx context.Context) ([]string, error)
		// DeletePartition reports whether the partition existed.
		DeletePartition(ctx context.Context, name string) (bool, error)
		Get(ctx context.Context, partition, key string) (*web.Response, bool, error)
		// Put stores resp under key, replacing any previous value (last write wins).
		Put(ctx context.Context, partition, key string, resp *web.Response) error
	}

	Options struct {
		Prefix      string
		Generation  string
		Origin      *url.URL // app origin, static assets are resolved against it
		Parallelism int      // concurrent asset fetches during install
	}

	// Entry is a cache hit.
	Entry struct {
		Partition string
		Key       string
		Response  *web.Response
	}

	Manager struct {
		opts  Options
		store Storage
		net   web.Fetcher
		log   core.Logger

		mu      sync.Mutex
		state   State
		changed chan struct{} // closed and replaced on every state change
	}
)

func NewManager(opts Options, store Storage, fetcher web.Fetcher, log core.Logger) *Manager {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Manager{
		opts:    opts,
		store:   store,
		net:     fetcher,
		log:     log,
		state:   Uninitialized,
		changed: make(chan struct{}),
	}
}

// PartitionName returns the generation-qualified name of a partition, e.g. "masomo-static-v3".
func PartitionName(prefix string, p Partition, generation string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, p, generation)
}

func (m *Manager) Generation() string { return m.opts.Generation }

func (m *Manager) Storage() Storage { return m.store }

func (m *Manager) PartitionName(p Partition) string {
	return PartitionName(m.opts.Prefix, p, m.opts.Generation)
}

// CurrentPartitions returns the names of the partitions of the current generation.
func (m *Manager) CurrentPartitions() map[string]struct{} {
	return map[string]struct{}{
		m.PartitionName(Static):  {},
		m.PartitionName(Dynamic): {},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// transition moves to `to` if the current state is one of `from`.
func (m *Manager) transition(to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = to
			close(m.changed)
			m.changed = make(chan struct{})
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "cannot go from %s to %s", m.state, to)
}

// WaitActive blocks while the manager is activating and returns the state it settled in.
func (m *Manager) WaitActive(ctx context.Context) (State, error) {
	for {
		m.mu.Lock()
		st, ch := m.state, m.changed
		m.mu.Unlock()
		if st != Activating {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Initialize fetches the static assets and stores them into the current static partition.
// Single asset failures are logged and tolerated; Initialize fails only when nothing could be stored.
func (m *Manager) Initialize(ctx context.Context, assets []string) error {
	if err := m.transition(Installing, Uninitialized, Installed); err != nil {
		return err
	}

	var (
		stored int64
		g      errgroup.Group
	)
	g.SetLimit(m.opts.Parallelism)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			if m.seed(ctx, asset) {
				atomic.AddInt64(&stored, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		m.setState(Uninitialized)
		return errors.Wrap(err, "installing cache")
	}
	if stored == 0 {
		m.setState(Uninitialized)
		return ErrInstallFailed
	}
	m.setState(Installed)
	m.log.Info("cache installed", map[string]interface{}{
		"partition": m.PartitionName(Static),
		"stored":    stored,
		"assets":    len(assets),
	})
	return nil
}

func (m *Manager) seed(ctx context.Context, asset string) bool {
	ref, err := url.Parse(asset)
	if err != nil {
		m.log.Warn("invalid static asset", map[string]interface{}{"asset": asset}, err)
		return false
	}
	req, err := web.NewRequest(http.MethodGet, m.opts.Origin.ResolveReference(ref).String(), nil)
	if err != nil {
		m.log.Warn("invalid static asset", map[string]interface{}{"asset": asset}, err)
		return false
	}
	resp, err := m.net.Fetch(ctx, req)
	if err != nil {
		m.log.Warn("static asset fetch failed", map[string]interface{}{"asset": asset}, err)
		return false
	}
	if !resp.OK() {
		m.log.Warn("static asset not stored", map[string]interface{}{"asset": asset, "status": resp.Status})
		return false
	}
	if err = m.Put(ctx, Static, req, resp); err != nil {
		m.log.Warn("static asset not stored", map[string]interface{}{"asset": asset}, err)
		return false
	}
	return true
}

// PurgeStale deletes every partition whose name is not in current and returns the deleted names.
func (m *Manager) PurgeStale(ctx context.Context, current map[string]struct{}) ([]string, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing cache partitions")
	}
	var deleted []string
	for _, name := range names {
		if _, keep := current[name]; keep {
			continue
		}
		existed, err := m.store.DeletePartition(ctx, name)
		if err != nil {
			return deleted, errors.Wrapf(err, "deleting cache partition %s", name)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

// Activate purges the partitions of previous generations and takes control of requests.
func (m *Manager) Activate(ctx context.Context) error {
	if m.State() == Active {
		return nil
	}
	if err := m.transition(Activating, Installed); err != nil {
		return err
	}
	deleted, err := m.PurgeStale(ctx, m.CurrentPartitions())
	if err != nil {
		m.setState(Installed)
		return errors.Wrap(err, "activating cache")
	}
	m.setState(Active)
	m.log.Info("cache activated", map[string]interface{}{"generation": m.opts.Generation, "purged": deleted})
	return nil
}

// Get looks a GET request up in the static partition, then in the dynamic one.
func (m *Manager) Get(ctx context.Context, req *web.Request) (Entry, bool, error) {
	if req.Method != http.MethodGet {
		return Entry{}, false, nil
	}
	key := req.Key()
	for _, p := range [...]Partition{Static, Dynamic} {
		name := m.PartitionName(p)
		resp, ok, err := m.store.Get(ctx, name, key)
		if err != nil {
			return Entry{}, false, errors.Wrapf(err, "reading %s from %s", key, name)
		}
		if ok {
			resp = resp.Clone()
			resp.Source = web.SourceCache
			return Entry{Partition: name, Key: key, Response: resp}, true, nil
		}
	}
	return Entry{}, false, nil
}

// Put stores a copy of a successful GET response. Anything else is ignored.
func (m *Manager) Put(ctx context.Context, p Partition, req *web.Request, resp *web.Response) error {
	if req.Method != http.MethodGet || !resp.OK() {
		return nil
	}
	entry := resp.Clone()
	entry.Header.Del(web.HeaderServedFromCache)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	name := m.PartitionName(p)
	if err := m.store.Put(ctx, name, req.Key(), entry); err != nil {
		return errors.Wrapf(err, "storing %s into %s", req.Key(), name)
	}
	return nil
}
