package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo-offline/core/queue"
)

type pendingRepository struct {
	db *pendingTable
}

var _ queue.Repository = (*pendingRepository)(nil)

func NewPendingRepository(db *DB) queue.Repository {
	return &pendingRepository{db: db.pending}
}

// query returns the rows matching keep, oldest first. The caller holds the lock.
func (repo *pendingRepository) query(keep func(pw *queue.PendingWrite) bool) []queue.PendingWrite {
	rows := make([]*pendingRow, 0, len(repo.db.table))
	for _, row := range repo.db.table {
		if keep == nil || keep(&row.pw) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	pws := make([]queue.PendingWrite, 0, len(rows))
	for _, row := range rows {
		pw := row.pw
		pw.Payload = append([]byte(nil), row.pw.Payload...)
		pws = append(pws, pw)
	}
	return pws
}

func (repo *pendingRepository) Enqueue(ctx context.Context, pw queue.PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.seq++
	pw.Payload = append([]byte(nil), pw.Payload...)
	repo.db.table[pw.ID] = &pendingRow{seq: repo.db.seq, pw: pw}
	return nil
}

func (repo *pendingRepository) ListPending(ctx context.Context, kind string) ([]queue.PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.query(func(pw *queue.PendingWrite) bool { return pw.Kind == kind }), nil
}

func (repo *pendingRepository) ListAll(ctx context.Context) ([]queue.PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.query(nil), nil
}

func (repo *pendingRepository) Kinds(ctx context.Context) ([]queue.KindCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	counts := make(map[string]int)
	for _, row := range repo.db.table {
		counts[row.pw.Kind]++
	}
	kinds := make([]queue.KindCount, 0, len(counts))
	for kind, n := range counts {
		kinds = append(kinds, queue.KindCount{Kind: kind, Count: n})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })
	return kinds, nil
}

func (repo *pendingRepository) Remove(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	_, ok := repo.db.table[id]
	delete(repo.db.table, id)
	return ok, nil
}

func (repo *pendingRepository) Clear(ctx context.Context, kind string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	var n int
	for id, row := range repo.db.table {
		if row.pw.Kind == kind {
			delete(repo.db.table, id)
			n++
		}
	}
	return n, nil
}
