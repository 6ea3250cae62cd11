// Package bgsync replays queued writes once the upstream is reachable again.
package bgsync

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/web"
)

const tagSuffix = "-sync"

// TagFor returns the sync tag of a queue kind, e.g. "attendance-sync".
func TagFor(kind string) string {
	return kind + tagSuffix
}

// KindOf returns the queue kind of a sync tag. ok is false for tags not made by TagFor.
func KindOf(tag string) (kind string, ok bool) {
	if !strings.HasSuffix(tag, tagSuffix) {
		return "", false
	}
	kind = strings.TrimSuffix(tag, tagSuffix)
	return kind, core.IsValidKind(kind)
}

type (
	// Queue is the part of the pending-write queue a drain needs.
	Queue interface {
		ListPending(ctx context.Context, kind string) ([]queue.PendingWrite, error)
		Remove(ctx context.Context, id string) error
	}

	// Result sums up a drain.
	Result struct {
		Kind      string `json:"kind"`
		Attempted int    `json:"attempted"`
		Replayed  int    `json:"replayed"`
		Failed    int    `json:"failed"`
	}

	// Trigger replays the pending writes of a kind.
	Trigger struct {
		queue  Queue
		net    web.Fetcher
		origin *url.URL
		log    core.Logger
	}
)

// Remaining reports whether writes were left in the queue.
func (r Result) Remaining() bool { return r.Failed > 0 }

func NewTrigger(q Queue, fetcher web.Fetcher, origin *url.URL, log core.Logger) *Trigger {
	return &Trigger{queue: q, net: fetcher, origin: origin, log: log}
}

func (t *Trigger) request(pw queue.PendingWrite) (*web.Request, error) {
	ref, err := url.Parse(pw.Path)
	if err != nil {
		return nil, errors.Wrap(err, "parsing pending write path")
	}
	req, err := web.NewRequest(pw.Method, t.origin.ResolveReference(ref).String(), pw.Payload)
	if err != nil {
		return nil, err
	}
	if pw.ContentType != "" {
		req.Header.Set("Content-Type", pw.ContentType)
	}
	req.Header.Set(web.HeaderIdempotencyKey, pw.ID)
	return req, nil
}

// Drain replays every pending write of kind, oldest first. A write is removed once the upstream
// accepted it (2xx); failed writes stay queued for the next drain. Replay failures are counted,
// not returned: only queue errors are.
func (t *Trigger) Drain(ctx context.Context, kind string) (Result, error) {
	res := Result{Kind: kind}
	pending, err := t.queue.ListPending(ctx, kind)
	if err != nil {
		return res, errors.Wrapf(err, "listing pending %s writes", kind)
	}

	for _, pw := range pending {
		if err = ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		req, err := t.request(pw)
		if err != nil {
			res.Failed++
			t.log.Error("invalid pending write", map[string]interface{}{"id": pw.ID, "kind": kind}, err)
			continue
		}
		resp, err := t.net.Fetch(ctx, req)
		if err != nil || !resp.OK() {
			res.Failed++
			fields := map[string]interface{}{"id": pw.ID, "kind": kind}
			if err != nil {
				fields["cause"] = err.Error()
			} else {
				fields["status"] = resp.Status
			}
			t.log.Warn("replay failed", fields, req)
			continue
		}

		if err = t.queue.Remove(ctx, pw.ID); err != nil {
			return res, errors.Wrapf(err, "removing replayed write %s", pw.ID)
		}
		res.Replayed++
	}

	if res.Attempted > 0 {
		t.log.Info("sync drained", map[string]interface{}{
			"kind":      kind,
			"attempted": res.Attempted,
			"replayed":  res.Replayed,
			"failed":    res.Failed,
		})
	}
	return res, nil
}
