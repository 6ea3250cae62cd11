// Package queue is the durable store of writes waiting to be replayed.
package queue

import (
	"context"
	"net/http"
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

var (
	// ErrQueuePersistence is the cause of every storage failure of the queue.
	ErrQueuePersistence = errors.New("pending-write queue persistence failure")
	// ErrInvalidWrite is returned when a pending write does not validate.
	ErrInvalidWrite = errors.New("invalid pending write")
)

type (
	// Repository is the durable storage of pending writes. Enqueue must not return before the write is durable.
	Repository interface {
		Enqueue(ctx context.Context, pw PendingWrite) error
		// ListPending returns the pending writes of kind, oldest first.
		ListPending(ctx context.Context, kind string) ([]PendingWrite, error)
		ListAll(ctx context.Context) ([]PendingWrite, error)
		Kinds(ctx context.Context) ([]KindCount, error)
		// Remove reports whether the write existed.
		Remove(ctx context.Context, id string) (bool, error)
		// Clear removes the pending writes of kind and returns how many were removed.
		Clear(ctx context.Context, kind string) (int, error)
	}

	Service struct {
		repo       Repository
		validate   *validator.Validate
		translator ut.Translator
	}

	// PersistenceError is a storage failure of the queue.
	PersistenceError struct {
		Op  string
		Err error
	}
)

func (e *PersistenceError) Error() string {
	return "queue " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrQueuePersistence }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a queue storage failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrQueuePersistence)
}

func NewService(repo Repository, validate *validator.Validate, translator ut.Translator) *Service {
	return &Service{repo: repo, validate: validate, translator: translator}
}

// Enqueue stores pw durably. ID and CreatedAt are assigned when empty.
// An invalid write is reported as a *core.ValidationError wrapping ErrInvalidWrite.
func (svc *Service) Enqueue(ctx context.Context, pw PendingWrite) (PendingWrite, error) {
	pw.Kind = core.CleanString(pw.Kind, true /* lower */)
	pw.Method = strings.ToUpper(core.CleanString(pw.Method))
	if pw.Method == "" {
		pw.Method = http.MethodPost
	}
	if err := svc.validate.Struct(pw); err != nil {
		return PendingWrite{}, core.NewValidationError(
			errors.Wrap(ErrInvalidWrite, err.Error()),
			core.TranslateFieldErrors(err, svc.translator)...,
		)
	}
	if pw.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return PendingWrite{}, persistence("enqueue", errors.Wrap(err, "generating id"))
		}
		pw.ID = id.String()
	}
	if pw.CreatedAt.IsZero() {
		pw.CreatedAt = time.Now().UTC()
	}
	pw.CreatedAt = pw.CreatedAt.UTC().Truncate(time.Millisecond)

	if err := svc.repo.Enqueue(ctx, pw); err != nil {
		return PendingWrite{}, persistence("enqueue", err)
	}
	return pw, nil
}

func (svc *Service) ListPending(ctx context.Context, kind string) ([]PendingWrite, error) {
	pws, err := svc.repo.ListPending(ctx, core.CleanString(kind, true /* lower */))
	return pws, persistence("list", err)
}

func (svc *Service) ListAll(ctx context.Context) ([]PendingWrite, error) {
	pws, err := svc.repo.ListAll(ctx)
	return pws, persistence("list", err)
}

func (svc *Service) Kinds(ctx context.Context) ([]KindCount, error) {
	kinds, err := svc.repo.Kinds(ctx)
	return kinds, persistence("kinds", err)
}

// Remove deletes a pending write. Removing an unknown id is not an error.
func (svc *Service) Remove(ctx context.Context, id string) error {
	_, err := svc.repo.Remove(ctx, id)
	return persistence("remove", err)
}

func (svc *Service) Clear(ctx context.Context, kind string) (int, error) {
	n, err := svc.repo.Clear(ctx, core.CleanString(kind, true /* lower */))
	return n, persistence("clear", err)
}
