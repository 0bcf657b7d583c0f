package manageddtable

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/txregion"
)

const (
	metaMagic    uint32 = 0x4D44544D // "MDTM"
	metaVersion  uint32 = 1
	metaFileName        = "managed.meta"
)

// diskRecord is the on-disk record for one stack entry: its ddt number
// and which factory (base or fastbase) built it, needed to pick the
// right one back open.
type diskRecord struct {
	number   uint32
	fastbase bool
}

// metadata is the full persisted state of a managed dtable other than
// the disk contents and journal themselves: spec.md §4.5's "magic,
// version, key_type, combine_count, journal_id, digest_interval,
// combine_interval, digested_at, combined_at, ddt_count, (ddt_number,
// is_fastbase)*" layout, plus the required comparator name (if any)
// so it survives a reopen without needing to be re-supplied by config.
type metadata struct {
	keyType         dtype.KeyType
	cmpName         string
	combineCount    int
	journalID       uint32
	digestInterval  time.Duration
	combineInterval time.Duration
	digestedAt      time.Time
	combinedAt      time.Time
	nextDdt         uint32
	disks           []diskRecord
}

func metaPath(dir string) string { return filepath.Join(dir, metaFileName) }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (md metadata) encode() []byte {
	cmpBytes := []byte(md.cmpName)
	buf := make([]byte, 0, 64+len(cmpBytes)+len(md.disks)*5)
	var tmp [8]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[0:4], v)
		buf = append(buf, tmp[0:4]...)
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[0:8], v)
		buf = append(buf, tmp[0:8]...)
	}

	put32(metaMagic)
	put32(metaVersion)
	put32(uint32(md.keyType))
	put32(uint32(md.combineCount))
	put32(md.journalID)
	put64(uint64(md.digestInterval))
	put64(uint64(md.combineInterval))
	put64(uint64(unixOrZero(md.digestedAt)))
	put64(uint64(unixOrZero(md.combinedAt)))
	put32(md.nextDdt)
	put32(uint32(len(cmpBytes)))
	buf = append(buf, cmpBytes...)
	put32(uint32(len(md.disks)))
	for _, d := range md.disks {
		put32(d.number)
		if d.fastbase {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeMetadata(buf []byte) (metadata, error) {
	const fixedSize = 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4
	if len(buf) < fixedSize {
		return metadata{}, anverr.New("manageddtable.decodeMetadata", anverr.IO)
	}
	off := 0
	get32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		return v
	}
	get64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}

	if get32() != metaMagic {
		return metadata{}, anverr.New("manageddtable.decodeMetadata", anverr.InvalidArgument)
	}
	_ = get32() // version
	keyType := dtype.KeyType(get32())
	combineCount := int(get32())
	journalID := get32()
	digestInterval := time.Duration(get64())
	combineInterval := time.Duration(get64())
	digestedAt := timeOrZero(int64(get64()))
	combinedAt := timeOrZero(int64(get64()))
	nextDdt := get32()

	cmpLen := get32()
	if off+int(cmpLen) > len(buf) {
		return metadata{}, anverr.New("manageddtable.decodeMetadata", anverr.IO)
	}
	cmpName := string(buf[off : off+int(cmpLen)])
	off += int(cmpLen)

	if off+4 > len(buf) {
		return metadata{}, anverr.New("manageddtable.decodeMetadata", anverr.IO)
	}
	diskCount := get32()
	disks := make([]diskRecord, 0, diskCount)
	for i := uint32(0); i < diskCount; i++ {
		if off+5 > len(buf) {
			return metadata{}, anverr.New("manageddtable.decodeMetadata", anverr.IO)
		}
		number := get32()
		fastbase := buf[off] != 0
		off++
		disks = append(disks, diskRecord{number: number, fastbase: fastbase})
	}

	return metadata{
		keyType:         keyType,
		cmpName:         cmpName,
		combineCount:    combineCount,
		journalID:       journalID,
		digestInterval:  digestInterval,
		combineInterval: combineInterval,
		digestedAt:      digestedAt,
		combinedAt:      combinedAt,
		nextDdt:         nextDdt,
		disks:           disks,
	}, nil
}

func readMetadata(path string) (metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metadata{}, anverr.Wrap("manageddtable.readMetadata", anverr.IO, err)
	}
	return decodeMetadata(data)
}

func writeMetadataFile(path string, md metadata) error {
	return txregion.WriteFileAtomic(path, md.encode(), 0o644)
}
