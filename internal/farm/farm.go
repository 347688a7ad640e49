package farm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/herd/internal/types"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ObjectSource reads back an object's current content and reports the
// replica count it was stored with — internal/store.Store plus the
// vnode view satisfy this from the node doing the save. GetHash returns
// the same content-addressing digest a prior save's trunk entry already
// recorded (types.ContentHash), cheap enough to call per object so
// saveOneObject can skip the full Read when nothing changed.
type ObjectSource interface {
	Read(ctx context.Context, oid types.Oid, offset int64, length int) ([]byte, error)
	ObjectSize(ctx context.Context, oid types.Oid) (int64, error)
	Copies(oid types.Oid) uint8
	GetHash(ctx context.Context, oid types.Oid) ([20]byte, error)
}

// ObjectSink writes a recovered object's content back to local storage
// during a load.
type ObjectSink interface {
	CreateAndWrite(ctx context.Context, oid types.Oid, offset int64, data []byte) error
}

// VdiNotifier mirrors notify_vdi_add: farm_load_snapshot calls this for
// every vdi inode object it restores so the cluster bitmap and recovery
// logic observe the same new-vdi event a live NEW_VDI op would have
// produced.
type VdiNotifier interface {
	NotifyVdiAdd(ctx context.Context, vid uint32, copies uint8) error
}

// Farm is the save/load orchestrator: one BlobStore holds content, one
// directory under root holds trunk/snap-file/snap-log records.
type Farm struct {
	root  string
	blobs *BlobStore
}

// Open prepares root/objects and root's trunk/snap directories.
func Open(root string) (*Farm, error) {
	blobs, err := OpenBlobStore(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{"trunks", "snaps"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("farm: create %s dir: %w", d, err)
		}
	}
	return &Farm{root: root, blobs: blobs}, nil
}

func (f *Farm) trunkPath(sum [20]byte) string { return f.path("trunks", sum) }
func (f *Farm) snapPath(sum [20]byte) string  { return f.path("snaps", sum) }
func (f *Farm) path(sub string, sum [20]byte) string {
	return filepath.Join(f.root, sub, fmt.Sprintf("%040x", sum))
}
func (f *Farm) snapLogPath() string { return filepath.Join(f.root, "snap.log") }

// SaveSnapshot archives every object named in oids using an ORDERED
// worker pool: original_source/collie/farm/farm.c's farm_save_snapshot
// uses a WQ_ORDERED queue so trunk entries land in oids' order
// regardless of which worker finishes first, keeping the trunk file
// deterministic (spec.md 4.D "farm save determinism").
func (f *Farm) SaveSnapshot(ctx context.Context, tag string, oids []types.Oid, src ObjectSource) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FarmSaveDuration)

	opID := uuid.New().String()
	logger := log.WithComponent("farm")
	logger.Info().Str("op_id", opID).Str("tag", tag).Int("objects", len(oids)).Msg("save snapshot starting")
	defer func() { logger.Info().Str("op_id", opID).Msg("save snapshot done") }()

	prior, err := f.latestTrunkEntries()
	if err != nil {
		logger.Warn().Err(err).Msg("could not load prior trunk for hash-probe skip, saving without it")
		prior = nil
	}

	entries := make([]TrunkEntry, len(oids))
	type result struct {
		idx   int
		entry TrunkEntry
		err   error
	}

	const workers = 8
	work := make(chan int)
	results := make(chan result, len(oids))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				entry, err := f.saveOneObject(ctx, oids[idx], src, prior)
				results <- result{idx: idx, entry: entry, err: err}
			}
		}()
	}
	go func() {
		for i := range oids {
			work <- i
		}
		close(work)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			return fmt.Errorf("farm: save object %s: %w", oids[r.idx], r.err)
		}
		entries[r.idx] = r.entry
	}

	trunkData := encodeTrunk(entries)
	trunkSha1 := sha1.Sum(trunkData)
	if err := writeIfAbsent(f.trunkPath(trunkSha1), trunkData); err != nil {
		return fmt.Errorf("farm: write trunk: %w", err)
	}

	snapSha1, err := f.writeSnapFile(trunkSha1)
	if err != nil {
		return err
	}

	return f.appendSnapLog(tag, snapSha1)
}

// saveOneObject mirrors do_save_object: it probes oid's live content hash
// against the previous snapshot's trunk entry before reading the object
// at all. A matching hash means the replica this node holds is still the
// one already archived, so the save just adds a reference to the
// existing blob (GetHash's GET_OBJ_HASH round trip, not a full object
// read, is the only I/O this path does). A miss — changed content, or no
// prior entry for this oid — falls through to reading and hashing the
// object directly.
func (f *Farm) saveOneObject(ctx context.Context, oid types.Oid, src ObjectSource, prior map[types.Oid]TrunkEntry) (TrunkEntry, error) {
	copies := src.Copies(oid)

	if prevEntry, ok := prior[oid]; ok {
		if sum, err := src.GetHash(ctx, oid); err == nil && sum == prevEntry.Sha1 {
			metrics.FarmBlobsProbedTotal.Inc()
			if err := f.blobs.Ref(sum); err == nil {
				return TrunkEntry{Oid: oid, Copies: copies, Sha1: sum}, nil
			}
			// blob was probed as matching but is no longer in the store
			// (e.g. GC'd between snapshots) — fall through to a full save.
		}
	}

	size, err := src.ObjectSize(ctx, oid)
	if err != nil {
		return TrunkEntry{}, err
	}
	data, err := src.Read(ctx, oid, 0, int(size))
	if err != nil {
		return TrunkEntry{}, err
	}

	sum := Hash(data)
	if f.blobs.Exists(sum) {
		metrics.FarmBlobsSkippedTotal.Inc()
	} else {
		metrics.FarmBlobsWrittenTotal.Inc()
	}
	if _, err := f.blobs.Put(data); err != nil {
		return TrunkEntry{}, err
	}
	return TrunkEntry{Oid: oid, Copies: copies, Sha1: sum}, nil
}

// latestTrunkEntries resolves the most recently appended snapshot log
// entry to its trunk, indexed by oid, so saveOneObject can look up a
// prior hash for each object in O(1). Returns a nil map, not an error,
// when no snapshot has been saved yet.
func (f *Farm) latestTrunkEntries() (map[types.Oid]TrunkEntry, error) {
	logEntries, err := f.readSnapLog()
	if err != nil {
		return nil, err
	}
	if len(logEntries) == 0 {
		return nil, nil
	}
	last := logEntries[len(logEntries)-1]

	snapData, err := os.ReadFile(f.snapPath(last.SnapSha1))
	if err != nil {
		return nil, fmt.Errorf("farm: read snap file: %w", err)
	}
	var trunkSha1 [20]byte
	copy(trunkSha1[:], snapData)

	trunkData, err := os.ReadFile(f.trunkPath(trunkSha1))
	if err != nil {
		return nil, fmt.Errorf("farm: read trunk: %w", err)
	}
	trunkEntries, err := decodeTrunk(trunkData)
	if err != nil {
		return nil, err
	}

	byOid := make(map[types.Oid]TrunkEntry, len(trunkEntries))
	for _, e := range trunkEntries {
		byOid[e.Oid] = e
	}
	return byOid, nil
}

func (f *Farm) writeSnapFile(trunkSha1 [20]byte) ([20]byte, error) {
	sum := sha1.Sum(trunkSha1[:])
	if err := writeIfAbsent(f.snapPath(sum), trunkSha1[:]); err != nil {
		return sum, fmt.Errorf("farm: write snap file: %w", err)
	}
	return sum, nil
}

func (f *Farm) appendSnapLog(tag string, snapSha1 [20]byte) error {
	entries, err := f.readSnapLog()
	if err != nil {
		return err
	}
	idx := uint32(len(entries) + 1)
	entries = append(entries, SnapLogEntry{Idx: idx, Tag: tag, SnapSha1: snapSha1})
	return os.WriteFile(f.snapLogPath(), encodeSnapLog(entries), 0o644)
}

func (f *Farm) readSnapLog() ([]SnapLogEntry, error) {
	data, err := os.ReadFile(f.snapLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("farm: read snap log: %w", err)
	}
	return decodeSnapLog(data)
}

// trunkSha1For resolves (idx, tag) to its trunk hash, scanning the log in
// reverse so the most recent matching entry wins — get_trunk_sha1's
// semantics, generalized to also match by tag alone when idx is zero.
func (f *Farm) trunkSha1For(idx uint32, tag string) ([20]byte, error) {
	var zero [20]byte
	entries, err := f.readSnapLog()
	if err != nil {
		return zero, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if (idx != 0 && e.Idx == idx) || (idx == 0 && e.Tag == tag) {
			data, err := os.ReadFile(f.snapPath(e.SnapSha1))
			if err != nil {
				return zero, fmt.Errorf("farm: read snap file: %w", err)
			}
			var trunkSha1 [20]byte
			copy(trunkSha1[:], data)
			return trunkSha1, nil
		}
	}
	return zero, fmt.Errorf("farm: no snapshot matches idx=%d tag=%q", idx, tag)
}

// ContainsSnapshot reports whether a trunk matching (idx, tag) exists,
// mirroring farm_contain_snapshot.
func (f *Farm) ContainsSnapshot(idx uint32, tag string) bool {
	_, err := f.trunkSha1For(idx, tag)
	return err == nil
}

// LoadSnapshot restores every object recorded in the trunk matching
// (idx, tag), using a DYNAMIC worker pool (errgroup, unordered) since
// load has no output-ordering requirement the way save's trunk-building
// does — original_source/collie/farm/farm.c's farm_load_snapshot uses
// WQ_DYNAMIC for exactly this reason. vdi inode objects additionally
// fire a NotifyVdiAdd upcall as they land. No de-duplication by snap_id
// is done: when the trunk holds several inodes for one vdi name, which of
// them a later name lookup returns follows the order the upcalls ran in.
func (f *Farm) LoadSnapshot(ctx context.Context, idx uint32, tag string, sink ObjectSink, notify VdiNotifier) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FarmLoadDuration)

	opID := uuid.New().String()
	log.WithComponent("farm").Info().Str("op_id", opID).Uint32("idx", idx).Str("tag", tag).Msg("load snapshot starting")

	trunkSha1, err := f.trunkSha1For(idx, tag)
	if err != nil {
		return err
	}
	trunkData, err := os.ReadFile(f.trunkPath(trunkSha1))
	if err != nil {
		return fmt.Errorf("farm: read trunk: %w", err)
	}
	entries, err := decodeTrunk(trunkData)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		grp.Go(func() error {
			data, err := f.blobs.Get(e.Sha1)
			if err != nil {
				return fmt.Errorf("farm: load object %s: %w", e.Oid, err)
			}
			if err := sink.CreateAndWrite(gctx, e.Oid, 0, data); err != nil {
				return fmt.Errorf("farm: restore object %s: %w", e.Oid, err)
			}
			if e.Oid.IsVdi() && notify != nil {
				if err := notify.NotifyVdiAdd(gctx, e.Oid.Vid(), e.Copies); err != nil {
					return fmt.Errorf("farm: notify vdi add %d: %w", e.Oid.Vid(), err)
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		log.WithComponent("farm").Error().Err(err).Msg("load snapshot failed")
		return err
	}
	return nil
}

func writeIfAbsent(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		existing, err := os.ReadFile(path)
		if err == nil && bytes.Equal(existing, data) {
			return nil
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

