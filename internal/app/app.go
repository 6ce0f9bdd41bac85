package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/careline/careline/internal/api"
	"github.com/careline/careline/internal/auth"
	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
	"github.com/careline/careline/internal/relay"
	"github.com/careline/careline/internal/storage"
	"github.com/careline/careline/internal/util"
)

var log = logging.Logger("app")

// ErrRelayGaveUp is returned by Run when reconnection attempts are exhausted.
var ErrRelayGaveUp = errors.New("relay connection lost")

// ErrNotStarted is returned by Run before Start.
var ErrNotStarted = errors.New("app not started")

// recentSize is how many state changes Recent keeps.
const recentSize = 200

type Options struct {
	CfgPath string
	Cfg     config.Config

	// AutoAnswer accepts every incoming call as soon as it rings.
	AutoAnswer bool

	// Media and Peers replace the device-backed call stack, mainly in tests.
	Media call.MediaSource
	Peers call.PeerFactory
}

// App is one running client: the relay connection with the chat and call
// state machines that consume it.
type App struct {
	cfgPath    string
	cfg        config.Config
	autoAnswer bool

	auth  *auth.Provider
	reg   *presence.Registry
	relay *relay.Manager
	api   *api.Client
	cache *storage.DB
	chat  *chat.Manager
	call  *call.Manager

	// subscriptions taken by Start for Run's loops
	subs struct {
		chat, call, state <-chan proto.Event
		updates           <-chan chat.Update
		snaps             <-chan call.Snapshot
		cancel            []func()
	}

	recent *util.RingBuffer[string]
}

// New builds every component from the config. Nothing touches the network
// until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := SetupLogging(cfg.Log); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:    opts.CfgPath,
		cfg:        cfg,
		autoAnswer: opts.AutoAnswer,
		recent:     util.NewRingBuffer[string](recentSize),
	}

	a.auth = auth.New(auth.Options{
		UserID:    cfg.Identity.UserID,
		Role:      cfg.Identity.Role,
		Token:     cfg.Identity.Token,
		TokenFile: a.resolve(cfg.Identity.TokenFile),
	})

	header := http.Header{}
	if tok, err := a.auth.Token(); err == nil {
		header.Set("Authorization", "Bearer "+tok)
		log.Debugf("relay auth with token %s", util.Redact(tok))
	}

	a.reg = presence.NewRegistry()
	a.relay = relay.New(relay.Options{
		URL:               cfg.Relay.URL,
		Header:            header,
		ReconnectAttempts: cfg.Relay.ReconnectAttempts,
		ReconnectDelay:    cfg.Relay.ReconnectDelay(),
		WriteTimeout:      cfg.Relay.WriteTimeout(),
		PingInterval:      cfg.Relay.PingInterval(),
		SubscriberBuffer:  cfg.Chat.SubscriberBuffer,
	}, a.reg)

	a.api = api.NewClient(api.Options{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         time.Duration(cfg.API.TimeoutSec) * time.Second,
		BreakerFailures: uint32(cfg.API.BreakerFailures),
	})

	chatOpts := chat.Options{
		TypingTimeout:    cfg.Chat.TypingTimeout(),
		TypingInterval:   cfg.Chat.TypingInterval(),
		SubscriberBuffer: cfg.Chat.SubscriberBuffer,
	}
	if cfg.Storage.Path != "" {
		db, err := storage.Open(a.resolve(cfg.Storage.Path))
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.cache = db
		chatOpts.Cache = db
	}
	a.chat = chat.New(a.relay, a.reg, a.api, chatOpts)

	media, peers := opts.Media, opts.Peers
	if media == nil || peers == nil {
		dev, err := call.NewDeviceMedia()
		if err != nil {
			a.closeCache()
			return nil, fmt.Errorf("init media: %w", err)
		}
		if media == nil {
			media = dev
		}
		if peers == nil {
			peers = call.NewPionFactory(peerConfig(cfg.Call), dev)
		}
	}
	a.call = call.New(a.relay, a.reg, media, peers)

	return a, nil
}

func peerConfig(c config.Call) call.PeerConfig {
	pc := call.PeerConfig{
		DisconnectedTimeout: time.Duration(c.ICEDisconnectedSec) * time.Second,
		FailedTimeout:       time.Duration(c.ICEFailedSec) * time.Second,
	}
	for _, s := range c.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return pc
}

// resolve makes p relative to the config file's directory.
func (a *App) resolve(p string) string {
	if p == "" || a.cfgPath == "" {
		return p
	}
	return util.ResolvePath(filepath.Dir(a.cfgPath), p)
}

func (a *App) Relay() *relay.Manager { return a.relay }

func (a *App) Chat() *chat.Manager { return a.chat }

func (a *App) Call() *call.Manager { return a.call }

func (a *App) Auth() *auth.Provider { return a.auth }

// Recent returns the latest state changes, oldest first.
func (a *App) Recent() []string { return a.recent.Snapshot() }

// CachedConversations lists the conversations held in the message cache,
// most recent first. It is empty when the cache is disabled.
func (a *App) CachedConversations() ([]string, error) {
	if a.cache == nil {
		return nil, nil
	}
	return a.cache.Conversations()
}

// Token returns the current bearer token, or "" when none is configured.
func (a *App) Token() string {
	tok, err := a.auth.Token()
	if err != nil {
		return ""
	}
	return tok
}

// Start resolves the identity, subscribes the dispatch loops and connects to
// the relay. Events that arrive before Run are buffered.
func (a *App) Start(ctx context.Context) error {
	id, err := a.auth.Identity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if a.auth.Expired(time.Now()) {
		log.Warnf("token for %s has expired; the relay may refuse it", id.UserID)
	}

	if a.subs.chat == nil {
		var cancel func()
		a.subs.chat, cancel = a.relay.Subscribe()
		a.subs.cancel = append(a.subs.cancel, cancel)
		a.subs.call, cancel = a.relay.Subscribe()
		a.subs.cancel = append(a.subs.cancel, cancel)
		a.subs.state, cancel = a.relay.Subscribe()
		a.subs.cancel = append(a.subs.cancel, cancel)
		a.subs.updates, cancel = a.chat.Subscribe()
		a.subs.cancel = append(a.subs.cancel, cancel)
		a.subs.snaps, cancel = a.call.Subscribe()
		a.subs.cancel = append(a.subs.cancel, cancel)
	}

	log.Infof("starting as %s (%s), relay %s", id.UserID, id.Role, a.cfg.Relay.URL)
	return a.relay.Connect(ctx, id)
}

// WaitConnected blocks until the relay is connected and registered, or
// reports why it never will be.
func (a *App) WaitConnected(ctx context.Context) error {
	events, cancel := a.relay.Subscribe()
	defer cancel()
	switch a.relay.State() {
	case relay.StateConnected:
		return nil
	case relay.StateError:
		return ErrRelayGaveUp
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrRelayGaveUp
			}
			switch e := ev.(type) {
			case proto.Connected:
				return nil
			case proto.ConnectError:
				return fmt.Errorf("%w: %v", ErrRelayGaveUp, e.Err)
			}
		}
	}
}

// Run drives the chat and call state machines and the config watcher until
// ctx is done or the relay gives up. Start must have been called.
func (a *App) Run(ctx context.Context) error {
	if a.subs.chat == nil {
		return ErrNotStarted
	}
	chatEvents, callEvents, stateEvents := a.subs.chat, a.subs.call, a.subs.state

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.chat.Run(ctx, chatEvents)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.call.Run(ctx, callEvents)
		return nil
	})
	g.Go(func() error {
		return a.watchState(ctx, stateEvents)
	})
	if a.cfgPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, a.cfgPath, a.reload)
		})
	}

	return g.Wait()
}

// watchState logs connection, chat and call changes and keeps them in the
// recent buffer.
func (a *App) watchState(ctx context.Context, events <-chan proto.Event) error {
	updates, snaps := a.subs.updates, a.subs.snaps
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case proto.Connected:
				a.note("relay connected (attempt %d)", e.Attempt)
			case proto.Disconnected:
				a.note("relay disconnected (retry=%t): %v", e.WillRetry, e.Err)
			case proto.ConnectError:
				a.note("relay gave up: %v", e.Err)
				return fmt.Errorf("%w: %v", ErrRelayGaveUp, e.Err)
			}
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			a.noteChat(u)
		case s, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			a.noteCall(s)
			if a.autoAnswer && s.Incoming != nil && s.State == call.StateIdle {
				if err := a.call.Accept(ctx); err != nil {
					log.Warnf("auto-answer %s: %v", s.Incoming.PeerID, err)
				}
			}
		}
	}
}

func (a *App) noteChat(u chat.Update) {
	switch u.Kind {
	case chat.UpdateMessages:
		msgs := a.chat.ConversationMessages(u.ConversationID)
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			a.note("chat %s: %s -> %s [%s] %q", u.ConversationID, last.SenderID, last.ReceiverID, last.Status, last.Content)
		}
	case chat.UpdateTyping:
		a.note("chat %s: typing=%t", u.ConversationID, a.chat.Typing(u.ConversationID))
	case chat.UpdateConversations:
		a.note("chat: %d conversations", len(a.chat.Conversations()))
	}
}

func (a *App) noteCall(s call.Snapshot) {
	switch {
	case s.Incoming != nil && s.State == call.StateIdle:
		a.note("call: incoming %s call from %s (%s)", s.Incoming.Kind, s.Incoming.PeerID, s.Incoming.PeerRole)
	case s.PeerID != "":
		a.note("call %s: %s muted=%t", s.PeerID, s.State, s.Muted)
	default:
		a.note("call: %s", s.State)
	}
}

func (a *App) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.recent.Push(time.Now().Format("15:04:05.000") + " " + msg)
	log.Info(msg)
}

// reload applies the parts of a changed config that can change at runtime.
func (a *App) reload(cfg config.Config) {
	if err := SetupLogging(cfg.Log); err != nil {
		log.Warnf("log settings not applied: %v", err)
		return
	}
	if cfg.Relay.URL != a.cfg.Relay.URL || cfg.Identity != a.cfg.Identity {
		log.Warnf("relay or identity settings changed; restart to apply")
	}
	a.cfg.Log = cfg.Log
}

// Close hangs up, disconnects and closes the cache.
func (a *App) Close() {
	for _, cancel := range a.subs.cancel {
		cancel()
	}
	a.call.Close()
	a.relay.Disconnect()
	if err := a.chat.Close(); err != nil {
		log.Warnf("chat close: %v", err)
	}
	a.closeCache()
}

func (a *App) closeCache() {
	if a.cache == nil {
		return
	}
	if err := a.cache.Close(); err != nil {
		log.Warnf("cache close: %v", err)
	}
	a.cache = nil
}
