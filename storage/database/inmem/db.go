package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo-offline/core/queue"
)

type (
	// DB is an ephemeral database; its content is lost with the process.
	DB struct {
		pending *pendingTable
	}

	pendingTable struct {
		seq   int64
		table map[string]*pendingRow
		mutex sync.RWMutex
	}

	pendingRow struct {
		seq int64
		pw  queue.PendingWrite
	}
)

func Open() *DB {
	return &DB{
		pending: &pendingTable{table: make(map[string]*pendingRow)},
	}
}
