package store

import (
	"github.com/rs/zerolog"

	"github.com/freeeve/lmstore/internal/engine"
)

// snapshot is one reader transaction shared by every read in a turn.
type snapshot struct {
	txn        *engine.Txn
	generation uint64
	cursors    int // open cursors that need this exact view
	live       int // open cursors that follow renewals
	pinned     bool
}

// snapshotManager owns the shared reader. All methods run under
// Env.readMu.
//
// A turn ends when a writer transaction begins, when it finishes and on
// Env.ResetReadTxn. At the end of a turn an idle snapshot is reset in place
// and renewed by the next read. A snapshot with open cursors is pinned
// instead: it stays alive for those cursors and the next read opens a new
// one.
//
// While a writer is open every read ends its own turn, so no idle reader
// is holding the map when Commit has to grow it. Pinned snapshots still
// hold it until their iterators close.
type snapshotManager struct {
	eng        *engine.Env
	log        zerolog.Logger
	current    *snapshot
	generation uint64
	pinned     map[*snapshot]struct{}
	writing    bool
}

func newSnapshotManager(eng *engine.Env, log zerolog.Logger) *snapshotManager {
	return &snapshotManager{
		eng:    eng,
		log:    log,
		pinned: make(map[*snapshot]struct{}),
	}
}

// acquire returns the live snapshot, opening or renewing it as needed.
func (m *snapshotManager) acquire() (*snapshot, error) {
	s := m.current
	if s == nil {
		txn, err := m.eng.BeginRead()
		if err != nil {
			return nil, err
		}
		m.generation++
		s = &snapshot{txn: txn, generation: m.generation}
		m.current = s
		return s, nil
	}
	if !s.txn.Active() {
		if err := s.txn.Renew(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// isCurrent reports whether s is the live snapshot at generation gen.
func (m *snapshotManager) isCurrent(s *snapshot, gen uint64) bool {
	return s != nil && s == m.current && s.generation == gen && s.txn.Active()
}

// endTurn retires the live view. It does nothing when no read happened
// since the last call.
func (m *snapshotManager) endTurn() {
	s := m.current
	if s == nil || !s.txn.Active() {
		return
	}
	if s.cursors > 0 {
		s.pinned = true
		m.pinned[s] = struct{}{}
		m.current = nil
		m.log.Debug().Uint64("generation", s.generation).Int("cursors", s.cursors).Msg("pinned read snapshot")
		return
	}
	s.txn.Reset()
	m.generation++
	s.generation = m.generation
}

// beginWrite retires the live view before a writer transaction starts.
func (m *snapshotManager) beginWrite() {
	m.writing = true
	m.endTurn()
}

// endWrite retires any view taken while the writer was open.
func (m *snapshotManager) endWrite() {
	m.writing = false
	m.endTurn()
}

// yield ends the turn after a read made while a writer is open.
func (m *snapshotManager) yield() {
	if m.writing {
		m.endTurn()
	}
}

// retain registers a cursor on s.
func (m *snapshotManager) retain(s *snapshot, live bool) {
	if live {
		s.live++
	} else {
		s.cursors++
	}
}

// release unregisters a cursor and disposes a pinned snapshot once its
// last cursor is gone.
func (m *snapshotManager) release(s *snapshot, live bool) {
	if live {
		s.live--
	} else {
		s.cursors--
	}
	if s.pinned && s.cursors <= 0 {
		if _, ok := m.pinned[s]; ok {
			delete(m.pinned, s)
			s.txn.Abort()
			m.log.Debug().Uint64("generation", s.generation).Msg("disposed pinned read snapshot")
		}
	}
}

func (m *snapshotManager) openCursors() int {
	n := 0
	if m.current != nil {
		n += m.current.cursors + m.current.live
	}
	for s := range m.pinned {
		n += s.cursors + s.live
	}
	return n
}

func (m *snapshotManager) close() {
	if m.current != nil {
		m.current.txn.Abort()
		m.current = nil
	}
	for s := range m.pinned {
		s.txn.Abort()
		delete(m.pinned, s)
	}
}
