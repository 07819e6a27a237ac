// Package persistence implements the Persistence Manager from spec.md
// §4.5: the intake queue, the worker that writes to the append-only log
// and signs, and the global-persisted/global-verified predicate tasks.
package persistence

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/clock"
	"github.com/derecho-go/derecho-core/internal/ids"
)

// ErrNotFound is returned by Read when no record exists at the
// requested version.
var ErrNotFound = errors.New("persistence: record not found")

// LogRecord is one persisted version. FileLogStore writes it as a 30-byte
// header `{version: 8, hlc wall: 8, hlc logical: 8, payload_len: 4,
// sig_len: 2}` followed by payload and then sig; sig_len sits in the
// fixed header, not between payload and sig.
type LogRecord struct {
	Version ids.Version
	HLC     clock.HLC
	Payload []byte
	Sig     []byte
}

// LogStore is the append-only-log collaborator contract from spec.md
// §6: append, truncate, and range-read per subgroup.
type LogStore interface {
	Append(subgroup ids.SubgroupID, rec LogRecord) (offset int64, err error)
	Truncate(subgroup ids.SubgroupID, version ids.Version) error
	Read(subgroup ids.SubgroupID, from, to ids.Version) ([]LogRecord, error)
	ReadOne(subgroup ids.SubgroupID, version ids.Version) (LogRecord, error)
}

// FileLogStore is the real, on-disk LogStore: one append-only file per
// subgroup under dir, each record framed as LogRecord's doc describes.
type FileLogStore struct {
	mu   sync.Mutex
	dir  string
	logs map[ids.SubgroupID]*fileLog
}

type fileLog struct {
	f       *os.File
	records []recordPos // in-memory index for Read/Truncate without a full rescan
}

type recordPos struct {
	version ids.Version
	offset  int64
	length  int64
}

// NewFileLogStore creates a LogStore rooted at dir, creating it if
// necessary.
func NewFileLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "persistence: create log dir")
	}
	return &FileLogStore{dir: dir, logs: make(map[ids.SubgroupID]*fileLog)}, nil
}

func (s *FileLogStore) path(sg ids.SubgroupID) string {
	return filepath.Join(s.dir, "subgroup-"+strconv.FormatUint(uint64(sg), 10)+".log")
}

func (s *FileLogStore) open(sg ids.SubgroupID) (*fileLog, error) {
	if fl, ok := s.logs[sg]; ok {
		return fl, nil
	}
	f, err := os.OpenFile(s.path(sg), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: open log file")
	}
	fl := &fileLog{f: f}
	if err := fl.reindex(); err != nil {
		f.Close()
		return nil, err
	}
	s.logs[sg] = fl
	return fl, nil
}

// reindex scans the file once at open time to rebuild the in-memory
// record index; real deployments keep this bounded by rotating logs,
// out of scope here (spec.md §1's persistence substrate is reduced to
// this file-backed reference implementation).
func (fl *fileLog) reindex() error {
	if _, err := fl.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(fl.f)
	var offset int64
	for {
		rec, n, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		fl.records = append(fl.records, recordPos{version: rec.Version, offset: offset, length: int64(n)})
		offset += int64(n)
	}
	_, err := fl.f.Seek(0, io.SeekEnd)
	return err
}

func encodeRecord(w io.Writer, rec LogRecord) (int, error) {
	header := make([]byte, 8+8+8+4+2)
	binary.BigEndian.PutUint64(header[0:8], uint64(rec.Version))
	binary.BigEndian.PutUint64(header[8:16], uint64(rec.HLC.Wall))
	binary.BigEndian.PutUint64(header[16:24], rec.HLC.Logical)
	binary.BigEndian.PutUint32(header[24:28], uint32(len(rec.Payload)))
	binary.BigEndian.PutUint16(header[28:30], uint16(len(rec.Sig)))
	n, err := w.Write(header)
	if err != nil {
		return n, err
	}
	pn, err := w.Write(rec.Payload)
	n += pn
	if err != nil {
		return n, err
	}
	sn, err := w.Write(rec.Sig)
	n += sn
	return n, err
}

func decodeRecord(r io.Reader) (LogRecord, int, error) {
	header := make([]byte, 8+8+8+4+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return LogRecord{}, 0, err
	}
	rec := LogRecord{
		Version: ids.Version(binary.BigEndian.Uint64(header[0:8])),
		HLC: clock.HLC{
			Wall:    int64(binary.BigEndian.Uint64(header[8:16])),
			Logical: binary.BigEndian.Uint64(header[16:24]),
		},
	}
	payloadLen := binary.BigEndian.Uint32(header[24:28])
	sigLen := binary.BigEndian.Uint16(header[28:30])
	n := len(header)

	rec.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return LogRecord{}, 0, err
	}
	n += int(payloadLen)

	rec.Sig = make([]byte, sigLen)
	if _, err := io.ReadFull(r, rec.Sig); err != nil {
		return LogRecord{}, 0, err
	}
	n += int(sigLen)

	return rec, n, nil
}

func (s *FileLogStore) Append(sg ids.SubgroupID, rec LogRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, err := s.open(sg)
	if err != nil {
		return 0, err
	}
	offset, err := fl.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	n, err := encodeRecord(fl.f, rec)
	if err != nil {
		return offset, errors.Wrap(err, "persistence: append record")
	}
	if err := fl.f.Sync(); err != nil {
		return offset, errors.Wrap(err, "persistence: fsync log")
	}
	fl.records = append(fl.records, recordPos{version: rec.Version, offset: offset, length: int64(n)})
	return offset, nil
}

// Truncate removes every record with version strictly greater than v,
// per spec.md §6. The reference implementation rewrites the file; a
// production log would instead mark a truncation watermark and compact
// lazily, but ragged trim is rare enough that this is not a hot path.
func (s *FileLogStore) Truncate(sg ids.SubgroupID, v ids.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, err := s.open(sg)
	if err != nil {
		return err
	}
	var keep []recordPos
	for _, r := range fl.records {
		if r.version <= v {
			keep = append(keep, r)
		}
	}
	if len(keep) == len(fl.records) {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, "trim-*.tmp")
	if err != nil {
		return errors.Wrap(err, "persistence: truncate temp file")
	}
	defer os.Remove(tmp.Name())

	var newRecords []recordPos
	var offset int64
	for _, r := range keep {
		rec, err := s.readAt(fl, r)
		if err != nil {
			tmp.Close()
			return err
		}
		n, err := encodeRecord(tmp, rec)
		if err != nil {
			tmp.Close()
			return err
		}
		newRecords = append(newRecords, recordPos{version: rec.Version, offset: offset, length: int64(n)})
		offset += int64(n)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	fl.f.Close()
	if err := os.Rename(tmp.Name(), s.path(sg)); err != nil {
		return errors.Wrap(err, "persistence: install truncated log")
	}
	f, err := os.OpenFile(s.path(sg), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	fl.f = f
	fl.records = newRecords
	if _, err := fl.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (s *FileLogStore) readAt(fl *fileLog, pos recordPos) (LogRecord, error) {
	buf := make([]byte, pos.length)
	if _, err := fl.f.ReadAt(buf, pos.offset); err != nil {
		return LogRecord{}, errors.Wrap(err, "persistence: read record")
	}
	rec, _, err := decodeRecord(bufReaderOf(buf))
	return rec, err
}

func bufReaderOf(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (s *FileLogStore) Read(sg ids.SubgroupID, from, to ids.Version) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, err := s.open(sg)
	if err != nil {
		return nil, err
	}
	var out []LogRecord
	for _, pos := range fl.records {
		if pos.version < from || pos.version > to {
			continue
		}
		rec, err := s.readAt(fl, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileLogStore) ReadOne(sg ids.SubgroupID, v ids.Version) (LogRecord, error) {
	recs, err := s.Read(sg, v, v)
	if err != nil {
		return LogRecord{}, err
	}
	if len(recs) == 0 {
		return LogRecord{}, errors.Wrapf(ErrNotFound, "subgroup %d version %d", sg, v)
	}
	return recs[len(recs)-1], nil
}
