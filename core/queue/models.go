package queue

import (
	"time"
)

// PendingWrite is a write that could not reach the upstream and waits to be replayed.
// It is never mutated once enqueued: it is either replayed and removed, or left in place.
type PendingWrite struct {
	ID          string    `db:"id" json:"id"`
	Kind        string    `db:"kind" json:"kind" validate:"required,kind,max=64"`
	Method      string    `db:"method" json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	// Path is the request URI for the app origin, or an absolute URL for other origins.
	Path        string    `db:"path" json:"path" validate:"required,write_target"`
	ContentType string    `db:"content_type" json:"contentType"`
	Payload     []byte    `db:"payload" json:"payload"`
	CreatedAt   time.Time `db:"-" json:"createdAt"`
}

// KindCount is the number of pending writes of a kind.
type KindCount struct {
	Kind  string `db:"kind" json:"kind"`
	Count int    `db:"count" json:"count"`
}
