package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core/queue"
)

type pendingRepository struct {
	db *sqlx.DB
}

var _ queue.Repository = (*pendingRepository)(nil)

func NewPendingRepository(db *sqlx.DB) queue.Repository {
	return &pendingRepository{db: db}
}

// pendingRow is the stored form of a PendingWrite: created_at is kept as unix milliseconds.
type pendingRow struct {
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	Method      string `db:"method"`
	Path        string `db:"path"`
	ContentType string `db:"content_type"`
	Payload     []byte `db:"payload"`
	CreatedAt   int64  `db:"created_at"`
}

func (r pendingRow) toModel() queue.PendingWrite {
	return queue.PendingWrite{
		ID:          r.ID,
		Kind:        r.Kind,
		Method:      r.Method,
		Path:        r.Path,
		ContentType: r.ContentType,
		Payload:     r.Payload,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
}

const pendingColumns = "id, kind, method, path, content_type, payload, created_at"

func (repo *pendingRepository) Enqueue(ctx context.Context, pw queue.PendingWrite) error {
	payload := pw.Payload
	if payload == nil {
		payload = []byte{}
	}
	row := pendingRow{
		ID:          pw.ID,
		Kind:        pw.Kind,
		Method:      pw.Method,
		Path:        pw.Path,
		ContentType: pw.ContentType,
		Payload:     payload,
		CreatedAt:   pw.CreatedAt.UTC().UnixMilli(),
	}
	q := `INSERT INTO pending_write (` + pendingColumns + `)
		VALUES (:id, :kind, :method, :path, :content_type, :payload, :created_at)`
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return errors.Wrap(err, "inserting pending write")
	}
	return nil
}

func (repo *pendingRepository) list(ctx context.Context, where string, args ...interface{}) ([]queue.PendingWrite, error) {
	q := repo.db.Rebind(`SELECT ` + pendingColumns + ` FROM pending_write ` + where + ` ORDER BY seq`)
	var rows []pendingRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting pending writes")
	}
	pws := make([]queue.PendingWrite, 0, len(rows))
	for _, row := range rows {
		pws = append(pws, row.toModel())
	}
	return pws, nil
}

func (repo *pendingRepository) ListPending(ctx context.Context, kind string) ([]queue.PendingWrite, error) {
	return repo.list(ctx, "WHERE kind = ?", kind)
}

func (repo *pendingRepository) ListAll(ctx context.Context) ([]queue.PendingWrite, error) {
	return repo.list(ctx, "")
}

func (repo *pendingRepository) Kinds(ctx context.Context) ([]queue.KindCount, error) {
	var kinds []queue.KindCount
	q := `SELECT kind, COUNT(*) AS count FROM pending_write GROUP BY kind ORDER BY kind`
	if err := repo.db.SelectContext(ctx, &kinds, q); err != nil {
		return nil, errors.Wrap(err, "counting pending writes")
	}
	return kinds, nil
}

func (repo *pendingRepository) Remove(ctx context.Context, id string) (bool, error) {
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(`DELETE FROM pending_write WHERE id = ?`), id)
	if err != nil {
		return false, errors.Wrap(err, "deleting pending write")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "deleting pending write")
	}
	return n > 0, nil
}

func (repo *pendingRepository) Clear(ctx context.Context, kind string) (int, error) {
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(`DELETE FROM pending_write WHERE kind = ?`), kind)
	if err != nil {
		return 0, errors.Wrap(err, "clearing pending writes")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "clearing pending writes")
	}
	return int(n), nil
}
