// Package redisstore keeps cache partitions in Redis.
//
// Every partition is a hash "<ns>:partition:<name>" mapping request keys to msgpack-encoded
// responses; the set "<ns>:partitions" lists the partition names.
package redisstore

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/web"
)

// bodies larger than this are stored zstd-compressed
const compressThreshold = 1024

// shared encoder and decoder; EncodeAll and DecodeAll are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

type entry struct {
	Status     int                 `msgpack:"s"`
	Header     map[string][]string `msgpack:"h"`
	Body       []byte              `msgpack:"b"`
	Compressed bool                `msgpack:"z"`
	StoredAt   int64               `msgpack:"t"` // unix nanoseconds, 0 when unset
}

func encode(resp *web.Response) ([]byte, error) {
	e := entry{Status: resp.Status, Header: resp.Header, Body: resp.Body}
	if !resp.StoredAt.IsZero() {
		e.StoredAt = resp.StoredAt.UnixNano()
	}
	if len(e.Body) > compressThreshold {
		e.Body = zstdEncoder.EncodeAll(resp.Body, nil)
		e.Compressed = true
	}
	return msgpack.Marshal(&e)
}

func decode(data []byte) (*web.Response, error) {
	var e entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decoding cache entry")
	}
	if e.Compressed {
		body, err := zstdDecoder.DecodeAll(e.Body, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompressing cache entry")
		}
		e.Body = body
	}
	resp := &web.Response{Status: e.Status, Header: http.Header(e.Header), Body: e.Body}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if e.StoredAt != 0 {
		resp.StoredAt = time.Unix(0, e.StoredAt).UTC()
	}
	return resp, nil
}

type Store struct {
	pool *redis.Pool
	ns   string
}

var _ cache.Storage = (*Store)(nil)

// NewPool returns a connection pool to the Redis server at addr.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewStore returns a store keeping its keys under the namespace ns.
func NewStore(pool *redis.Pool, ns string) *Store {
	return &Store{pool: pool, ns: ns}
}

func (s *Store) partitionsKey() string {
	return s.ns + ":partitions"
}

func (s *Store) partitionKey(name string) string {
	return s.ns + ":partition:" + name
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting redis connection")
	}
	return conn, nil
}

func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	names, err := redis.Strings(conn.Do("SMEMBERS", s.partitionsKey()))
	if err != nil {
		return nil, errors.Wrap(err, "listing partitions")
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DeletePartition(ctx context.Context, name string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_ = conn.Send("MULTI")
	_ = conn.Send("SREM", s.partitionsKey(), name)
	_ = conn.Send("DEL", s.partitionKey(name))
	replies, err := redis.Ints(conn.Do("EXEC"))
	if err != nil {
		return false, errors.Wrapf(err, "deleting partition %s", name)
	}
	return replies[0] > 0 || replies[1] > 0, nil
}

func (s *Store) Get(ctx context.Context, partition, key string) (*web.Response, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("HGET", s.partitionKey(partition), key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %s from %s", key, partition)
	}
	resp, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (s *Store) Put(ctx context.Context, partition, key string, resp *web.Response) error {
	data, err := encode(resp)
	if err != nil {
		return errors.Wrap(err, "encoding cache entry")
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.Send("MULTI")
	_ = conn.Send("SADD", s.partitionsKey(), partition)
	_ = conn.Send("HSET", s.partitionKey(partition), key, data)
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.Wrapf(err, "writing %s to %s", key, partition)
	}
	return nil
}

// Len returns the number of entries of a partition.
func (s *Store) Len(ctx context.Context, partition string) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("HLEN", s.partitionKey(partition)))
	return n, errors.Wrap(err, "counting entries")
}
