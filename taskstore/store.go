package taskstore

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"task-client/domain"
)

// ChangeFunc observes the list after every mutation.
type ChangeFunc func(view domain.View, tasks []domain.Task)

// Snapshot is the pre-image of the list taken before an optimistic edit.
type Snapshot struct {
	view  domain.View
	tasks []domain.Task
	rev   uint64
}

// Tasks returns a copy of the captured list.
func (s Snapshot) Tasks() []domain.Task {
	return append([]domain.Task(nil), s.tasks...)
}

// Store holds the ordered task list of the active view.
type Store struct {
	mu        sync.Mutex
	logger    *log.Logger
	view      domain.View
	tasks     []domain.Task
	rev       uint64
	replaced  uint64
	pushed    map[string]uint64
	listeners map[int]ChangeFunc
	nextSub   int
}

// New creates an empty store filtered to view.
func New(view domain.View, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		logger:    logger,
		view:      view,
		pushed:    make(map[string]uint64),
		listeners: make(map[int]ChangeFunc),
	}
}

// Tasks returns a copy of the current ordered list.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...)
}

func (s *Store) View() domain.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Find looks a task up by its UI key.
func (s *Store) Find(key string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := IndexOf(s.tasks, key); i >= 0 {
		return s.tasks[i], true
	}
	return domain.Task{}, false
}

// SetView switches the filter and clears the list until the next load.
func (s *Store) SetView(view domain.View) {
	s.mutate(func() bool {
		if s.view == view && len(s.tasks) == 0 {
			return false
		}
		s.view = view
		s.tasks = nil
		s.pushed = make(map[string]uint64)
		s.replaced = s.rev + 1
		return true
	})
}

// ReplaceAll installs tasks as the local list.
func (s *Store) ReplaceAll(tasks []domain.Task) {
	s.mutate(func() bool {
		s.tasks = Sort(tasks)
		return true
	})
}

// ApplyServerList installs a list the server returned, for example after a
// load. Rollbacks of snapshots taken before it leave the list untouched.
func (s *Store) ApplyServerList(tasks []domain.Task) {
	s.mutate(func() bool {
		s.tasks = Sort(tasks)
		s.pushed = make(map[string]uint64)
		s.replaced = s.rev + 1
		return true
	})
}

// ApplyPushUpsert applies a task_created or task_updated event.
func (s *Store) ApplyPushUpsert(task domain.Task) {
	s.mutate(func() bool {
		s.tasks = UpsertOne(s.tasks, task, s.view)
		s.markPushed(task)
		return true
	})
}

// ApplyPushMerge applies a task_reordered event.
func (s *Store) ApplyPushMerge(subset []domain.Task) {
	s.mutate(func() bool {
		s.tasks = Filter(MergeRange(s.tasks, subset), s.view)
		for _, t := range subset {
			s.markPushed(t)
		}
		return true
	})
}

func (s *Store) markPushed(t domain.Task) {
	if t.ID == "" {
		return
	}
	s.pushed[t.ID] = s.rev + 1
}

// Edit computes the next list from a copy of the current one and installs it
// under the same lock, so no push can land between the read and the write.
// It returns the pre-image for Rollback. A nil list or an error from fn
// leaves the store untouched.
func (s *Store) Edit(fn func(tasks []domain.Task) ([]domain.Task, error)) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	s.mutate(func() bool {
		snap = s.snapshotLocked()
		var next []domain.Task
		next, err = fn(snap.Tasks())
		if err != nil || next == nil {
			return false
		}
		s.tasks = Sort(Filter(next, s.view))
		return true
	})
	return snap, err
}

// Snapshot captures the current list for a later Rollback.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{view: s.view, tasks: append([]domain.Task(nil), s.tasks...), rev: s.rev}
}

// Rollback restores snap. Tasks changed by a push event after snap was taken
// keep their pushed state, and a server list installed after snap wins
// outright. It reports whether the list was changed.
func (s *Store) Rollback(snap Snapshot) bool {
	var restored bool
	s.mutate(func() bool {
		if snap.view != s.view || s.replaced > snap.rev {
			s.logger.WithFields(log.Fields{
				"snapshot_rev": snap.rev,
				"current_rev":  s.rev,
			}).Debug("taskstore.rollback.superseded")
			return false
		}

		current := make(map[string]domain.Task, len(s.tasks))
		for _, t := range s.tasks {
			if t.ID != "" {
				current[t.ID] = t
			}
		}

		out := make([]domain.Task, 0, len(snap.tasks))
		kept := make(map[string]struct{})
		for _, t := range snap.tasks {
			if t.ID != "" && s.pushed[t.ID] > snap.rev {
				kept[t.ID] = struct{}{}
				if cur, ok := current[t.ID]; ok {
					out = append(out, cur)
				}
				continue
			}
			out = append(out, t)
		}
		for id, rev := range s.pushed {
			if rev <= snap.rev {
				continue
			}
			if _, ok := kept[id]; ok {
				continue
			}
			if cur, ok := current[id]; ok {
				out = append(out, cur)
			}
		}

		s.tasks = Sort(Filter(out, s.view))
		restored = true
		return true
	})
	return restored
}

// OnChange registers fn and returns a function that removes it.
func (s *Store) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.rev++
	view := s.view
	tasks := append([]domain.Task(nil), s.tasks...)
	listeners := make([]ChangeFunc, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(view, tasks)
	}
}
