package epoch

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/herd/internal/types"
	bolt "go.etcd.io/bbolt"
)

var epochBucket = []byte("epoch_log")

// Store persists, for each epoch, the full committed node list and a
// timestamp (spec.md 3 "Epoch": "at most one committed node list per
// epoch; epoch N+1 is only durable after N"). Grounded on
// cuemby-warren/pkg/storage/boltdb.go's one-bucket-per-entity-kind,
// binary-marshal-then-Put convention; spec.md 6 specifies the on-disk
// record as a binary node array plus an 8-byte timestamp, which this store
// reproduces as the value bytes under a big-endian epoch-number key so a
// bbolt cursor walk stays in epoch order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the epoch log at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("epoch: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(epochBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("epoch: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record is the committed membership snapshot for one epoch.
type Record struct {
	Nodes     []types.Node
	Timestamp time.Time
}

func epochKey(e uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], e)
	return b[:]
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 0, 4+len(r.Nodes)*36+8)
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(r.Nodes)))
	buf = append(buf, count[:]...)
	for _, n := range r.Nodes {
		var flag byte
		if n.Gone {
			flag = 1
		}
		ib := n.IdentityBytes()
		buf = append(buf, ib...)
		buf = append(buf, flag)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp.Unix()))
	buf = append(buf, ts[:]...)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < 4 {
		return Record{}, fmt.Errorf("epoch: truncated record")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	off := 4
	const identLen = 36 // 16+2+16+2, see types.Node.IdentityBytes
	nodes := make([]types.Node, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+identLen+1 > len(buf) {
			return Record{}, fmt.Errorf("epoch: truncated node entry %d", i)
		}
		ib := buf[off : off+identLen]
		flag := buf[off+identLen]
		off += identLen + 1

		n := types.Node{
			Addr:   net.IP(append([]byte(nil), ib[0:16]...)),
			Port:   binary.BigEndian.Uint16(ib[16:18]),
			IOAddr: net.IP(append([]byte(nil), ib[18:34]...)),
			IOPort: binary.BigEndian.Uint16(ib[34:36]),
			Gone:   flag == 1,
		}
		nodes = append(nodes, n)
	}
	if off+8 > len(buf) {
		return Record{}, fmt.Errorf("epoch: truncated timestamp")
	}
	ts := binary.BigEndian.Uint64(buf[off : off+8])
	return Record{Nodes: nodes, Timestamp: time.Unix(int64(ts), 0)}, nil
}

// Put commits the node list for epoch e. The daemon's membership event
// handlers (cmd/herd/bridge.go) do not call it, so an epoch is persisted
// only when a caller invokes Put directly.
func (s *Store) Put(e uint32, nodes []types.Node, ts time.Time) error {
	rec := Record{Nodes: nodes, Timestamp: ts}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(epochBucket)
		return b.Put(epochKey(e), encodeRecord(rec))
	})
}

// ErrNotFound is returned by Get when no local record exists for an epoch.
var ErrNotFound = fmt.Errorf("epoch: record not found locally")

// Get returns the locally committed record for epoch e.
func (s *Store) Get(e uint32) (Record, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(epochBucket)
		v := b.Get(epochKey(e))
		if v == nil {
			return nil
		}
		found = true
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// RemoteReader queries another live node for an epoch record this node
// never persisted locally (spec.md 4.D "remote variant": a node that joined
// after epoch N has no local file for it).
type RemoteReader interface {
	ReadRemoteEpoch(ctx context.Context, epoch uint32) (Record, error)
}

// Read returns the local record for epoch e, falling back to remote when
// this node has no local copy (e.g. it joined the cluster after e).
func (s *Store) Read(ctx context.Context, e uint32, remote RemoteReader) (Record, error) {
	rec, err := s.Get(e)
	if err == nil {
		return rec, nil
	}
	if err != ErrNotFound || remote == nil {
		return Record{}, err
	}
	return remote.ReadRemoteEpoch(ctx, e)
}
