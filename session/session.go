package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"task-client/auth"
	"task-client/export"
	"task-client/reconcile"
	"task-client/stream"
)

// Evicter drops cached lists of a user who signed out.
type Evicter interface {
	Evict(ctx context.Context, userID string)
}

// Options wires the collaborators of a Session. Exporter and Cache are optional.
type Options struct {
	Credentials *auth.Store
	Channel     *stream.Channel
	Dispatcher  *stream.Dispatcher
	Controller  *reconcile.Controller
	Exporter    *export.Manager
	Cache       Evicter
	Logger      *log.Logger
}

// Session ties the credential lifecycle to the live channel and keeps the
// task list loaded across reconnects.
type Session struct {
	creds      *auth.Store
	channel    *stream.Channel
	dispatcher *stream.Dispatcher
	ctrl       *reconcile.Controller
	exporter   *export.Manager
	cache      Evicter
	logger     *log.Logger

	mu       sync.Mutex
	userID   string
	ctx      context.Context
	cancel   context.CancelFunc
	cleanup  []func()
	wasOpen  bool
	started  bool
	loads    sync.WaitGroup
	shutdown sync.Once
}

func New(opts Options) *Session {
	if opts.Credentials == nil || opts.Channel == nil || opts.Dispatcher == nil || opts.Controller == nil {
		panic("session.New: credentials, channel, dispatcher and controller are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Session{
		creds:      opts.Credentials,
		channel:    opts.Channel,
		dispatcher: opts.Dispatcher,
		ctrl:       opts.Controller,
		exporter:   opts.Exporter,
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
}

func (s *Session) Controller() *reconcile.Controller { return s.ctrl }
func (s *Session) Channel() *stream.Channel          { return s.channel }
func (s *Session) Exporter() *export.Manager         { return s.exporter }

// Start registers event handlers and, when a credential is present, opens
// the channel and loads the active view.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cleanup = append(s.cleanup,
		s.ctrl.RegisterHandlers(s.dispatcher),
		s.channel.OnStateChange(s.onChannelState),
		s.creds.OnChange(s.onCredential),
	)
	if s.exporter != nil {
		s.cleanup = append(s.cleanup, s.exporter.RegisterHandlers(s.dispatcher))
	}
	s.mu.Unlock()

	if s.creds.Present() {
		s.connect()
	} else {
		s.logger.Info("session.waiting_for_credential")
	}
}

func (s *Session) onCredential(token string) {
	if token == "" {
		s.logger.Info("session.signed_out")
		s.channel.Close()
		s.mu.Lock()
		s.wasOpen = false
		uid, ctx := s.userID, s.ctx
		s.userID = ""
		s.mu.Unlock()
		s.ctrl.Store().SetView(s.ctrl.Store().View())
		if s.cache != nil && uid != "" {
			s.cache.Evict(ctx, uid)
		}
		return
	}
	uid, _ := s.creds.UserID()
	s.mu.Lock()
	refreshed := uid != "" && uid == s.userID
	s.mu.Unlock()
	if refreshed {
		// the stream resolves its token per handshake, so a live connection is kept
		s.logger.Debug("session.token_refreshed")
		s.channel.Open()
		return
	}
	s.logger.Info("session.signed_in")
	s.connect()
}

func (s *Session) connect() {
	if uid, err := s.creds.UserID(); err == nil {
		s.mu.Lock()
		s.userID = uid
		s.mu.Unlock()
	}
	s.channel.Open()
	s.reload("initial")
}

// onChannelState reloads after every reconnect so events missed while the
// stream was down are recovered.
func (s *Session) onChannelState(state stream.State) {
	if state != stream.Open {
		return
	}
	s.mu.Lock()
	again := s.wasOpen
	s.wasOpen = true
	s.mu.Unlock()
	if again {
		s.reload("reconnect")
	}
}

func (s *Session) reload(reason string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.loads.Add(1)
	go func() {
		defer s.loads.Done()
		if err := s.ctrl.Load(ctx); err != nil {
			s.logger.WithError(err).WithField("reason", reason).Warn("session.reload.failed")
			return
		}
		s.logger.WithField("reason", reason).Debug("session.reloaded")
	}()
}

// Wait blocks until pending loads have finished.
func (s *Session) Wait() {
	s.loads.Wait()
}

// Shutdown closes the channel and export polling and drops all
// subscriptions. It is safe to call more than once.
func (s *Session) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		cleanup := s.cleanup
		s.cleanup = nil
		cancel := s.cancel
		s.mu.Unlock()

		for _, fn := range cleanup {
			fn()
		}
		if cancel != nil {
			cancel()
		}
		s.channel.Close()
		s.channel.Wait()
		if s.exporter != nil {
			s.exporter.Close()
		}
		s.loads.Wait()
		s.logger.Info("session.shutdown")
	})
}
