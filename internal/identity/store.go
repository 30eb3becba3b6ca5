// Package identity persists known faces: one reference image per identity in a directory,
// plus a JSON table of display names and last-seen timestamps.
package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// TimeLayout is the on-disk format of last_seen.
const TimeLayout = "2006-01-02 15:04:05"

const idPrefix = "face_"

// imageExt is the extension new reference images are written with.
const imageExt = ".png"

var readableExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

var (
	ErrNotFound  = errors.New("identity not found")
	ErrEmptyName = errors.New("display name must not be empty")
)

// Record is the metadata kept for one identity.
type Record struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// LastSeenText renders LastSeen the way it is stored, or "Never".
func (r Record) LastSeenText() string {
	if r.LastSeen.IsZero() {
		return "Never"
	}
	return r.LastSeen.Format(TimeLayout)
}

// Reference points at a stored reference image.
type Reference struct {
	ID      string
	Path    string
	ModTime time.Time
}

// Load decodes the reference image as grayscale.
func (r Reference) Load() (*image.Gray, error) {
	return faceimg.ReadFile(r.Path)
}

// entry is the JSON shape of one row of the info file.
type entry struct {
	Name     string `json:"name"`
	LastSeen string `json:"last_seen"`
}

// change marks what this process did to a record since its last write.
type change uint8

const (
	changeCreated change = 1 << iota
	changeSeen
	changeName
)

// Store is the durable identity table. Mutations are serialised by an internal lock
// inside a process and by a lock file next to the info file across processes. Every
// write re-reads the table on disk and applies only this process's own changes to it.
type Store struct {
	mu       sync.RWMutex
	dir      string
	infoPath string
	lock     *flock.Flock
	log      logrus.FieldLogger
	now      func() time.Time

	records map[string]*Record
	order   []string // record ids in creation order
	refs    []Reference
	refByID map[string]int
	pending map[string]change
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for recoverable load problems.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides time.Now for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open prepares the image directory and loads whatever state is on disk.
func Open(dir, infoPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		infoPath: infoPath,
		lock:     flock.New(infoPath + ".lock"),
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create faces directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(infoPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create info file directory: %w", err)
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the reference image directory.
func (s *Store) Dir() string { return s.dir }

// Load replaces the in-memory state with what is on disk, discarding unwritten changes.
// A missing, empty or malformed info file yields an empty table; only an unreadable
// image directory is an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()

	table, err := s.readInfo()
	if err != nil {
		s.log.WithError(err).Warnf("Error reading %s, starting with no known identities", s.infoPath)
	}
	s.pending = make(map[string]change)
	if err := s.applyLocked(table); err != nil {
		return err
	}

	orphans := 0
	for _, r := range s.refs {
		if _, ok := s.records[r.ID]; !ok {
			orphans++
		}
	}
	s.log.WithFields(logrus.Fields{
		"identities": len(s.records),
		"references": len(s.refs),
		"orphans":    orphans,
	}).Debug("Identity store loaded")
	return nil
}

// readInfo returns the table on disk. A missing or blank file is an empty table;
// an unreadable or malformed one is reported as an error along with a nil table.
func (s *Store) readInfo() (map[string]entry, error) {
	data, err := os.ReadFile(s.infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var table map[string]entry
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	return table, nil
}

// applyLocked replaces the in-memory records with table and rescans the image directory.
func (s *Store) applyLocked(table map[string]entry) error {
	s.records = make(map[string]*Record, len(table))
	s.order = s.order[:0]
	for id, e := range table {
		rec := &Record{ID: id, DisplayName: e.Name}
		if e.LastSeen != "" {
			t, err := time.ParseInLocation(TimeLayout, e.LastSeen, time.Local)
			if err != nil {
				s.log.WithField("identity", id).Warnf("Ignoring unparsable last_seen %q", e.LastSeen)
			} else {
				rec.LastSeen = t
			}
		}
		s.records[id] = rec
		s.order = append(s.order, id)
	}
	sortIDs(s.order)
	for id := range s.pending {
		if _, ok := s.records[id]; !ok {
			delete(s.pending, id)
		}
	}

	refs, err := s.scanReferences()
	if err != nil {
		return err
	}
	s.refs = refs
	s.refByID = make(map[string]int, len(refs))
	for i, r := range refs {
		s.refByID[r.ID] = i
	}
	return nil
}

// tableLocked renders the in-memory records as an info file table.
func (s *Store) tableLocked() map[string]entry {
	table := make(map[string]entry, len(s.records))
	for id, rec := range s.records {
		table[id] = entryOf(rec)
	}
	return table
}

func entryOf(rec *Record) entry {
	e := entry{Name: rec.DisplayName}
	if !rec.LastSeen.IsZero() {
		e.LastSeen = rec.LastSeen.Format(TimeLayout)
	}
	return e
}

// mergedLocked returns the table on disk with this process's pending changes applied.
// Records another process removed stay removed unless this process created them.
// The file lock must be held.
func (s *Store) mergedLocked() map[string]entry {
	table, err := s.readInfo()
	if err != nil {
		s.log.WithError(err).Warnf("Error reading %s, keeping the in-memory table", s.infoPath)
		table = s.tableLocked()
	}
	if table == nil {
		table = make(map[string]entry)
	}
	for id, c := range s.pending {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		e, onDisk := table[id]
		if !onDisk {
			if c&changeCreated != 0 {
				table[id] = entryOf(rec)
			}
			continue
		}
		if c&changeName != 0 {
			e.Name = rec.DisplayName
		}
		if c&(changeSeen|changeCreated) != 0 && !rec.LastSeen.IsZero() {
			if mine := rec.LastSeen.Format(TimeLayout); mine > e.LastSeen {
				e.LastSeen = mine
			}
		}
		table[id] = e
	}
	return table
}

// pullLocked brings in changes other processes made, keeping pending ones. The file lock must be held.
func (s *Store) pullLocked() error {
	return s.applyLocked(s.mergedLocked())
}

func (s *Store) scanReferences() ([]Reference, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list faces directory: %w", err)
	}
	seen := make(map[string]bool)
	var refs []Reference
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !readableExts[ext] {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if seen[id] {
			continue
		}
		seen[id] = true
		ref := Reference{ID: id, Path: filepath.Join(s.dir, e.Name())}
		if info, err := e.Info(); err == nil {
			ref.ModTime = info.ModTime()
		}
		refs = append(refs, ref)
	}
	sort.SliceStable(refs, func(i, j int) bool { return idLess(refs[i].ID, refs[j].ID) })
	return refs, nil
}

// Create stores img as the reference of a new identity and persists the table before returning.
// Each file is replaced atomically; the image is written before the table, so an interruption
// leaves at worst an image without metadata, which stays matchable and whose id is never reissued.
func (s *Store) Create(img *image.Gray) (Record, error) {
	data, err := faceimg.EncodePNG(img)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return Record{}, fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()

	// Ids and names are numbered from what every process has stored so far.
	if err := s.pullLocked(); err != nil {
		return Record{}, err
	}

	id := s.nextID()
	path := filepath.Join(s.dir, id+imageExt)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return Record{}, fmt.Errorf("failed to write reference image for %s: %w", id, err)
	}
	ref := Reference{ID: id, Path: path}
	if info, err := os.Stat(path); err == nil {
		ref.ModTime = info.ModTime()
	}
	s.refByID[id] = len(s.refs)
	s.refs = append(s.refs, ref)

	rec := &Record{
		ID:          id,
		DisplayName: fmt.Sprintf("Person %d", len(s.records)+1),
		LastSeen:    s.now(),
	}
	s.records[id] = rec
	s.order = append(s.order, id)
	s.pending[id] |= changeCreated

	if err := s.writeLocked(); err != nil {
		return *rec, fmt.Errorf("identity %s created but metadata not persisted: %w", id, err)
	}
	return *rec, nil
}

// nextID returns face_<N> with N one past the number of stored reference images,
// advancing past any id already taken on disk or in the table.
func (s *Store) nextID() string {
	n := len(s.refs) + 1
	for {
		id := idPrefix + strconv.Itoa(n)
		_, hasRef := s.refByID[id]
		_, hasRec := s.records[id]
		if !hasRef && !hasRec && !s.fileTaken(id) {
			return id
		}
		n++
	}
}

func (s *Store) fileTaken(id string) bool {
	for ext := range readableExts {
		if _, err := os.Stat(filepath.Join(s.dir, id+ext)); err == nil {
			return true
		}
	}
	return false
}

// Touch sets LastSeen to at and returns the record as it was before.
// An image without metadata is adopted with a default name. Touch does not flush.
func (s *Store) Touch(id string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		if _, hasRef := s.refByID[id]; !hasRef {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		rec = &Record{ID: id, DisplayName: fmt.Sprintf("Person %d", len(s.records)+1), LastSeen: at}
		s.records[id] = rec
		s.order = append(s.order, id)
		sortIDs(s.order)
		s.pending[id] |= changeCreated
		return Record{ID: id, DisplayName: "Unknown"}, nil
	}
	prev := *rec
	rec.LastSeen = at
	s.pending[id] |= changeSeen
	return prev, nil
}

// Rename changes the display name of an identity and persists the table.
func (s *Store) Rename(id, name string) error {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()

	if err := s.pullLocked(); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.DisplayName = name
	s.pending[id] |= changeName
	return s.writeLocked()
}

// Flush writes pending changes, merged into whatever other processes wrote, and then
// picks up their records and reference images. With nothing pending it only refreshes.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return s.refreshLocked()
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()
	return s.writeLocked()
}

// Refresh picks up records and reference images written by other processes,
// keeping changes not yet flushed.
func (s *Store) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked()
}

func (s *Store) refreshLocked() error {
	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()
	return s.pullLocked()
}

// writeLocked merges and writes the table, then adopts the result. The file lock must be held.
func (s *Store) writeLocked() error {
	table := s.mergedLocked()
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode identity table: %w", err)
	}
	if err := renameio.WriteFile(s.infoPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.infoPath, err)
	}
	s.pending = make(map[string]change)
	return s.applyLocked(table)
}

// Get returns the metadata of id. Images without metadata report false.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns all records in creation order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Len returns the number of identities with metadata.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// References returns a snapshot of the stored reference images in creation order.
func (s *Store) References() []Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reference, len(s.refs))
	copy(out, s.refs)
	return out
}

// Reference returns the reference image location of id.
func (s *Store) Reference(id string) (Reference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.refByID[id]
	if !ok {
		return Reference{}, false
	}
	return s.refs[i], true
}

// Reset deletes every reference image and the info file.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()

	refs, err := s.scanReferences()
	if err != nil {
		return err
	}
	for _, r := range refs {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Remove(s.infoPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.records = make(map[string]*Record)
	s.order = nil
	s.refs = nil
	s.refByID = make(map[string]int)
	s.pending = make(map[string]change)
	return nil
}

func sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
}

// idLess orders face_<N> ids numerically and anything else lexically after them.
func idLess(a, b string) bool {
	na, okA := idNumber(a)
	nb, okB := idNumber(b)
	switch {
	case okA && okB:
		return na < nb
	case okA != okB:
		return okA
	default:
		return a < b
	}
}

func idNumber(id string) (int, bool) {
	if !strings.HasPrefix(id, idPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, idPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
