package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careline/careline/internal/app"
	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/proto"
)

// connectTimeout bounds how long send and call wait for the relay.
const connectTimeout = 30 * time.Second

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			log.Println("\nShutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// startApp builds and connects the client. The caller owns Close.
func startApp(ctx context.Context, autoAnswer bool) (*app.App, error) {
	cfgPath, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	printBanner(cfgPath, cfg)

	a, err := app.New(app.Options{CfgPath: cfgPath, Cfg: cfg, AutoAnswer: autoAnswer})
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return a, nil
}

func waitConnected(ctx context.Context, a *app.App) error {
	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("relay unavailable: %w", err)
	}
	return nil
}

func runClient(autoAnswer bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, autoAnswer)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

func parseRole(s string) (proto.Role, error) {
	r := proto.Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q (want patient or doctor)", s)
	}
	return r, nil
}

func runSend(peerID, role, text string) error {
	peerRole, err := parseRole(role)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := waitConnected(ctx, a); err != nil {
		return err
	}
	self, err := a.Auth().Identity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	conv := chat.ConversationID(self.UserID, peerID)
	msg, err := a.Chat().Send(ctx, conv, peerID, peerRole, text, proto.KindText)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Printf("Sent to %s in %s (%s)\n", peerID, conv, msg.ID)
	return nil
}

func runCall(peerID, role, kind string) error {
	peerRole, err := parseRole(role)
	if err != nil {
		return err
	}
	callKind := proto.CallKind(kind)
	if !callKind.Valid() {
		return fmt.Errorf("unknown call kind %q (want audio or video)", kind)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, unsubscribe := a.Call().Subscribe()
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	if err := waitConnected(ctx, a); err != nil {
		return err
	}
	if err := a.Call().StartCall(ctx, peerID, peerRole, callKind); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	fmt.Printf("Calling %s (%s, %s)...\n", peerID, peerRole, callKind)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("client: %w", err)
			}
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			fmt.Printf("call: %s\n", s.State)
			if s.State == call.StateEnded {
				return nil
			}
		}
	}
}

// runHistory prints one conversation, or lists the cached conversations
// when peerID is empty.
func runHistory(peerID string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfgPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(app.Options{CfgPath: cfgPath, Cfg: cfg})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer a.Close()

	self, err := a.Auth().Identity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	if peerID == "" {
		convs, err := a.CachedConversations()
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No cached conversations")
		}
		for _, conv := range convs {
			fmt.Printf("%-24s with %s\n", conv, peerOf(conv, self.UserID))
		}
		return nil
	}

	conv := chat.ConversationID(self.UserID, peerID)
	if err := a.Chat().LoadHistory(ctx, conv, a.Token()); err != nil {
		log.Printf("History unavailable (%v); showing cached messages", err)
		if err := a.Chat().LoadCached(conv); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	fmt.Printf("Conversation %s with %s\n\n", conv, peerOf(conv, self.UserID))
	for _, m := range a.Chat().ConversationMessages(conv) {
		who := m.SenderID
		if who == self.UserID {
			who = "me"
		}
		fmt.Printf("%s  %-10s %-9s %s\n", m.SentAt.Local().Format("2006-01-02 15:04"), who, m.Status, m.Content)
	}
	return nil
}

// peerOf returns the participant of conv that is not self.
func peerOf(conv, self string) string {
	a, b, ok := chat.Participants(conv)
	switch {
	case !ok:
		return "?"
	case a == self:
		return b
	default:
		return a
	}
}

// exitOnError reports err and exits non-zero. Deferred teardown in the
// command has already run by the time it is called.
func exitOnError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("Error: %v", err)
	os.Exit(1)
}
