// Package identity resolves who is capturing an event and for which store.
//
// The signed-in employee is kept as a session in the local store. The store
// comes from an explicit selection on the session, else from the employee's
// remote profile. Profile lookups are cached locally so capture keeps working
// offline once the profile has been seen.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/store"
)

var (
	// ErrNoSession is returned when nobody is signed in on this device.
	ErrNoSession = errors.New("no employee is signed in")

	// ErrNoStoreAssigned is returned when the employee's store cannot be
	// determined. Capture must stop: events without a store are never queued.
	ErrNoStoreAssigned = errors.New("no store assigned to employee")
)

const sessionKey = "session"

// Identity is the resolved author of a captured event.
type Identity struct {
	EmployeeID string
	StoreID    string
}

// Resolver determines the current Identity.
type Resolver interface {
	Resolve(ctx context.Context) (Identity, error)
}

// StoreLookup fetches the store assigned to an employee's profile.
// gateway.Gateway satisfies it.
type StoreLookup interface {
	LookupStore(ctx context.Context, employeeID string) (string, error)
}

// Session is the signed-in employee on this device.
type Session struct {
	EmployeeID string    `json:"employeeId"`
	StoreID    string    `json:"storeId,omitempty"`
	SignedInAt time.Time `json:"signedInAt"`
}

// Profiles implements Resolver over a local session and a remote profile
// lookup.
type Profiles struct {
	kv      store.KV
	lookup  StoreLookup
	timeout time.Duration
	logger  *log.Logger
}

// NewProfiles creates a resolver. lookup may be nil when no remote store is
// configured; only explicit and cached stores are used then.
//
// If logger is nil, a default logger writing to stderr is used.
func NewProfiles(kv store.KV, lookup StoreLookup, timeout time.Duration, logger *log.Logger) *Profiles {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Profiles{
		kv:      kv,
		lookup:  lookup,
		timeout: timeout,
		logger:  logger,
	}
}

// SignIn stores a session for employeeID. storeID may be empty to use the
// store from the employee's profile; the profile is looked up right away
// when possible so it is cached before the device goes offline.
func (p *Profiles) SignIn(ctx context.Context, employeeID, storeID string) (Session, error) {
	if employeeID == "" {
		return Session{}, fmt.Errorf("employee id cannot be empty")
	}

	sess := Session{
		EmployeeID: employeeID,
		StoreID:    storeID,
		SignedInAt: time.Now(),
	}
	if err := p.saveSession(ctx, sess); err != nil {
		return Session{}, err
	}

	if storeID == "" && p.lookup != nil {
		if _, err := p.fetchProfileStore(ctx, employeeID); err != nil {
			p.logger.Printf("Warning: could not fetch profile for %s: %v", employeeID, err)
		}
	}

	return sess, nil
}

// SignOut removes the session.
func (p *Profiles) SignOut(ctx context.Context) error {
	if err := p.kv.Delete(ctx, sessionKey); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// Session returns the current session or ErrNoSession.
func (p *Profiles) Session(ctx context.Context) (Session, error) {
	data, err := p.kv.Get(ctx, sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("corrupt session: %w", err)
	}
	if sess.EmployeeID == "" {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// SelectStore pins the session to storeID, overriding the profile.
func (p *Profiles) SelectStore(ctx context.Context, storeID string) error {
	sess, err := p.Session(ctx)
	if err != nil {
		return err
	}
	sess.StoreID = storeID
	return p.saveSession(ctx, sess)
}

// Resolve implements Resolver.
func (p *Profiles) Resolve(ctx context.Context) (Identity, error) {
	sess, err := p.Session(ctx)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{EmployeeID: sess.EmployeeID, StoreID: sess.StoreID}
	if id.StoreID != "" {
		return id, nil
	}

	if cached, err := p.cachedStore(ctx, sess.EmployeeID); err == nil && cached != "" {
		id.StoreID = cached
		return id, nil
	}

	if p.lookup == nil {
		return Identity{}, ErrNoStoreAssigned
	}

	storeID, err := p.fetchProfileStore(ctx, sess.EmployeeID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNoStoreAssigned, err)
	}
	if storeID == "" {
		return Identity{}, ErrNoStoreAssigned
	}

	id.StoreID = storeID
	return id, nil
}

// fetchProfileStore asks the remote profile for the store and caches it.
func (p *Profiles) fetchProfileStore(ctx context.Context, employeeID string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	storeID, err := p.lookup.LookupStore(lookupCtx, employeeID)
	if errors.Is(err, gateway.ErrUnknownEmployee) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("profile lookup failed: %w", err)
	}

	if storeID == "" {
		_ = p.kv.Delete(ctx, profileKey(employeeID))
		return "", nil
	}
	if err := p.kv.Set(ctx, profileKey(employeeID), []byte(storeID)); err != nil {
		p.logger.Printf("Warning: failed to cache profile for %s: %v", employeeID, err)
	}
	return storeID, nil
}

func (p *Profiles) cachedStore(ctx context.Context, employeeID string) (string, error) {
	data, err := p.kv.Get(ctx, profileKey(employeeID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Profiles) saveSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := p.kv.Set(ctx, sessionKey, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func profileKey(employeeID string) string {
	return "profile/" + employeeID
}

// Static is a Resolver with a fixed identity.
type Static Identity

// Resolve implements Resolver.
func (s Static) Resolve(context.Context) (Identity, error) {
	if s.EmployeeID == "" {
		return Identity{}, ErrNoSession
	}
	if s.StoreID == "" {
		return Identity{}, ErrNoStoreAssigned
	}
	return Identity(s), nil
}
