package agent

import (
	"encoding/json"
	"os"
	"path/filepath"

	zlog "github.com/rs/zerolog/log"
)

// MaxSeen caps the fingerprint set. Eviction is safe: the OS event log has
// bounded retention, so an event old enough to be evicted cannot resurface
// through the back-scan.
const MaxSeen = 50_000

// SeenStore is the insertion-ordered set of fingerprints already shipped.
// It is written back to disk only after a successful ingest, so a crash
// between send attempts replays events instead of losing them; the
// collector's natural-key dedup absorbs the replays.
type SeenStore struct {
	path  string
	order []string
	set   map[string]struct{}
}

// LoadSeen reads the fingerprint file. A missing or corrupt file starts
// fresh; server-side dedup then prevents duplicate persistence.
func LoadSeen(path string) *SeenStore {
	s := &SeenStore{
		path: path,
		set:  make(map[string]struct{}),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			zlog.Warn().Err(err).Str("path", path).Msg("could not load seen events file, starting fresh")
		}
		return s
	}
	var fps []string
	if err := json.Unmarshal(raw, &fps); err != nil {
		zlog.Warn().Err(err).Str("path", path).Msg("seen events file corrupt, starting fresh")
		return s
	}
	if len(fps) > MaxSeen {
		fps = fps[len(fps)-MaxSeen:]
	}
	for _, fp := range fps {
		if _, dup := s.set[fp]; dup {
			continue
		}
		s.set[fp] = struct{}{}
		s.order = append(s.order, fp)
	}
	return s
}

func (s *SeenStore) Contains(fp string) bool {
	_, ok := s.set[fp]
	return ok
}

// Add inserts a fingerprint, evicting the oldest entries past the cap.
// Returns false when the fingerprint was already present.
func (s *SeenStore) Add(fp string) bool {
	if _, ok := s.set[fp]; ok {
		return false
	}
	s.set[fp] = struct{}{}
	s.order = append(s.order, fp)
	if len(s.order) > MaxSeen {
		evict := s.order[:len(s.order)-MaxSeen]
		for _, old := range evict {
			delete(s.set, old)
		}
		s.order = append([]string(nil), s.order[len(s.order)-MaxSeen:]...)
		zlog.Warn().Int("evicted", len(evict)).Msg("seen set over capacity, dropped oldest fingerprints")
	}
	return true
}

func (s *SeenStore) Len() int {
	return len(s.order)
}

// Save writes the set atomically (temp file + rename) so a crash mid-write
// cannot corrupt the previous state.
func (s *SeenStore) Save() {
	raw, err := json.Marshal(s.order)
	if err != nil {
		zlog.Warn().Err(err).Msg("could not marshal seen events")
		return
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".seen-*")
	if err != nil {
		zlog.Warn().Err(err).Msg("could not save seen events")
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(raw)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		zlog.Warn().AnErr("write", werr).AnErr("close", cerr).Msg("could not save seen events")
		return
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		zlog.Warn().Err(err).Msg("could not save seen events")
	}
}
