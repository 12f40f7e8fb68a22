package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"task-client/domain"
	"task-client/notice"
	"task-client/stream"
	"task-client/taskstore"
)

// Gateway is the subset of the API the controller calls.
type Gateway interface {
	FetchTasks(ctx context.Context, view domain.View) ([]domain.Task, error)
	PatchTask(ctx context.Context, id string, patch domain.TaskPatch) error
	PatchOrder(ctx context.Context, items []domain.ReorderItem) error
}

// ViewCache stores the last confirmed list per user and view.
type ViewCache interface {
	Load(ctx context.Context, userID string, view domain.View) ([]domain.Task, bool)
	Store(ctx context.Context, userID string, view domain.View, tasks []domain.Task)
}

// Identity names the signed-in user.
type Identity interface {
	UserID() (string, error)
}

const (
	msgReorderFailed = "Failed to reorder tasks. Please try again."
	msgUpdateFailed  = "Failed to update task. Please try again."
	msgLoadFailed    = "Failed to load tasks."
)

// Options configures a Controller. Cache and Identity are optional.
type Options struct {
	Store    *taskstore.Store
	Gateway  Gateway
	Notifier notice.Notifier
	Logger   *log.Logger
	Cache    ViewCache
	Identity Identity
}

// Controller turns user intents and pushed events into store mutations.
type Controller struct {
	store    *taskstore.Store
	gw       Gateway
	notifier notice.Notifier
	logger   *log.Logger
	cache    ViewCache
	identity Identity
}

func New(opts Options) *Controller {
	if opts.Store == nil || opts.Gateway == nil {
		panic("reconcile.New: store and gateway are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notice.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Controller{
		store:    opts.Store,
		gw:       opts.Gateway,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		cache:    opts.Cache,
		identity: opts.Identity,
	}
}

func (c *Controller) Store() *taskstore.Store { return c.store }

// Load fetches the active view. A cached list, when present, is shown first.
func (c *Controller) Load(ctx context.Context) error {
	view := c.store.View()
	if cached, ok := c.cached(ctx, view); ok && len(c.store.Tasks()) == 0 {
		c.store.ReplaceAll(taskstore.Filter(cached, view))
	}

	tasks, err := c.gw.FetchTasks(ctx, view)
	if err != nil {
		c.logger.WithError(err).WithField("view", view).Error("reconcile.load.failed")
		notice.Errorf(c.notifier, "%s", msgLoadFailed)
		return fmt.Errorf("load %s tasks: %w", view, err)
	}
	if c.store.View() != view {
		c.logger.WithField("view", view).Debug("reconcile.load.stale")
		return nil
	}
	c.store.ApplyServerList(taskstore.Filter(tasks, view))
	c.persist(ctx)
	return nil
}

// SetView switches the displayed partition and reloads it.
func (c *Controller) SetView(ctx context.Context, view domain.View) error {
	c.store.SetView(view)
	return c.Load(ctx)
}

// ToggleDone flips the done flag of the task with key.
func (c *Controller) ToggleDone(ctx context.Context, key string) error {
	var task domain.Task
	snap, err := c.store.Edit(func(tasks []domain.Task) ([]domain.Task, error) {
		i, err := persistedIndex(tasks, key)
		if err != nil {
			return nil, err
		}
		tasks[i].Done = !tasks[i].Done
		task = tasks[i]
		return tasks, nil
	})
	if err != nil {
		return err
	}

	if err := c.gw.PatchTask(ctx, task.ID, domain.DonePatch(task.Done)); err != nil {
		return c.rollback("toggle", task.ID, snap, msgUpdateFailed, err)
	}
	c.persist(ctx)
	return nil
}

// UpdateFields replaces the editable fields of the task with key.
func (c *Controller) UpdateFields(ctx context.Context, key string, fields domain.Fields) error {
	if err := fields.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	var id string
	snap, err := c.store.Edit(func(tasks []domain.Task) ([]domain.Task, error) {
		i, err := persistedIndex(tasks, key)
		if err != nil {
			return nil, err
		}
		tasks[i] = fields.Apply(tasks[i])
		id = tasks[i].ID
		return tasks, nil
	})
	if err != nil {
		return err
	}

	if err := c.gw.PatchTask(ctx, id, fields.Patch()); err != nil {
		return c.rollback("update", id, snap, msgUpdateFailed, err)
	}
	c.persist(ctx)
	return nil
}

// Reorder moves the dragged task onto the target's position. Unknown keys
// and dropping a task onto itself change nothing.
func (c *Controller) Reorder(ctx context.Context, draggedKey, targetKey string) error {
	var (
		draggedID string
		changed   []domain.Task
	)
	snap, _ := c.store.Edit(func(tasks []domain.Task) ([]domain.Task, error) {
		from := taskstore.IndexOf(tasks, draggedKey)
		to := taskstore.IndexOf(tasks, targetKey)
		if from < 0 || to < 0 || from == to {
			return nil, nil
		}
		draggedID = tasks[from].ID
		var updated []domain.Task
		updated, changed = PlanReorder(tasks, from, to)
		return updated, nil
	})
	if len(changed) == 0 {
		return nil
	}

	if err := c.gw.PatchOrder(ctx, domain.ReorderItems(changed)); err != nil {
		return c.rollback("reorder", draggedID, snap, msgReorderFailed, err)
	}
	c.persist(ctx)
	return nil
}

// MoveLeft swaps the task with its left neighbour.
func (c *Controller) MoveLeft(ctx context.Context, key string) error {
	return c.swap(ctx, key, -1)
}

// MoveRight swaps the task with its right neighbour.
func (c *Controller) MoveRight(ctx context.Context, key string) error {
	return c.swap(ctx, key, 1)
}

func (c *Controller) swap(ctx context.Context, key string, dir int) error {
	var pair []domain.Task
	snap, err := c.store.Edit(func(tasks []domain.Task) ([]domain.Task, error) {
		i := taskstore.IndexOf(tasks, key)
		if i < 0 {
			return nil, ErrUnknownTask
		}
		j := i + dir
		if j < 0 || j >= len(tasks) {
			return nil, nil
		}
		a, b := tasks[i], tasks[j]
		if !a.Persisted() || !b.Persisted() {
			return nil, ErrNotPersisted
		}
		a.OrderIndex, b.OrderIndex = b.OrderIndex, a.OrderIndex
		if a.OrderIndex == b.OrderIndex {
			// inconsistent indexes; fall back to positions
			a.OrderIndex, b.OrderIndex = j, i
		}
		pair = []domain.Task{a, b}
		return taskstore.MergeRange(tasks, pair), nil
	})
	if err != nil || pair == nil {
		return err
	}

	if err := c.gw.PatchOrder(ctx, domain.ReorderItems(pair)); err != nil {
		return c.rollback("move", pair[0].ID, snap, msgReorderFailed, err)
	}
	c.persist(ctx)
	return nil
}

// RegisterHandlers subscribes the controller to task events on d and
// returns a function that removes the subscriptions.
func (c *Controller) RegisterHandlers(d *stream.Dispatcher) func() {
	removers := []func(){
		stream.On(d, domain.TaskCreated, c.onTaskUpsert),
		stream.On(d, domain.TaskUpdated, c.onTaskUpsert),
		stream.On(d, domain.TaskReordered, c.onTasksReordered),
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

func (c *Controller) onTaskUpsert(task domain.Task) error {
	if task.ID == "" {
		return errors.New("task event without id")
	}
	c.store.ApplyPushUpsert(task)
	c.persist(context.Background())
	return nil
}

func (c *Controller) onTasksReordered(tasks []domain.Task) error {
	for _, t := range tasks {
		if t.ID == "" {
			return errors.New("reorder event with a task without id")
		}
	}
	c.store.ApplyPushMerge(tasks)
	c.persist(context.Background())
	return nil
}

func persistedIndex(tasks []domain.Task, key string) (int, error) {
	i := taskstore.IndexOf(tasks, key)
	if i < 0 {
		return -1, ErrUnknownTask
	}
	if !tasks[i].Persisted() {
		return -1, ErrNotPersisted
	}
	return i, nil
}

func (c *Controller) rollback(intent, taskID string, snap taskstore.Snapshot, msg string, cause error) error {
	restored := c.store.Rollback(snap)
	c.logger.WithFields(log.Fields{
		"intent":   intent,
		"task":     taskID,
		"restored": restored,
	}).WithError(cause).Warn("reconcile.rollback")
	notice.Errorf(c.notifier, "%s", msg)
	return &RollbackError{Intent: intent, Err: cause}
}

func (c *Controller) cached(ctx context.Context, view domain.View) ([]domain.Task, bool) {
	if c.cache == nil || c.identity == nil {
		return nil, false
	}
	uid, err := c.identity.UserID()
	if err != nil {
		return nil, false
	}
	return c.cache.Load(ctx, uid, view)
}

func (c *Controller) persist(ctx context.Context) {
	if c.cache == nil || c.identity == nil {
		return
	}
	uid, err := c.identity.UserID()
	if err != nil {
		return
	}
	c.cache.Store(ctx, uid, c.store.View(), c.store.Tasks())
}
