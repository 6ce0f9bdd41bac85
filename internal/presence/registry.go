// Package presence keeps the local identity the relay routes events to.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/careline/careline/internal/proto"
)

var log = logging.Logger("presence")

// ErrNoIdentity is returned by Register before Set has been called.
var ErrNoIdentity = errors.New("presence: no identity set")

// Identity is who this client is on the relay.
type Identity struct {
	UserID string     `json:"userId"`
	Role   proto.Role `json:"role"`
}

// Validate checks that the identity can be registered.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return errors.New("presence: user id is empty")
	}
	if !id.Role.Valid() {
		return fmt.Errorf("presence: unknown role %q", id.Role)
	}
	return nil
}

// Emitter writes one event to the relay.
type Emitter interface {
	Send(ctx context.Context, event string, payload any) error
}

// Registry holds the single, always-current identity.
type Registry struct {
	mu  sync.RWMutex
	id  Identity
	set bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set replaces the identity. It reports whether the identity changed.
func (r *Registry) Set(id Identity) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	changed := !r.set || r.id != id
	r.id = id
	r.set = true
	r.mu.Unlock()
	if changed {
		log.Infof("presence: identity %s (%s)", id.UserID, id.Role)
	}
	return changed, nil
}

// Current returns the identity and whether one has been set.
func (r *Registry) Current() (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id, r.set
}

// Register emits the register event for the current identity. It is safe to
// call any number of times; the relay treats repeats as a refresh.
func (r *Registry) Register(ctx context.Context, em Emitter) error {
	id, ok := r.Current()
	if !ok {
		return ErrNoIdentity
	}
	if err := em.Send(ctx, proto.EvRegister, proto.Register{UserID: id.UserID, Role: id.Role}); err != nil {
		return fmt.Errorf("register %s: %w", id.UserID, err)
	}
	log.Debugf("presence: registered %s (%s)", id.UserID, id.Role)
	return nil
}
