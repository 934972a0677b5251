// Package gal defines the contract between the LDAP gateway and an Exchange
// Global Address List back end. The concrete Exchange/WebDAV implementation
// of Session lives outside this module (see davfacade for the HTTP
// transport it would be built on); gal only fixes the interface and a
// record shape the rest of the gateway is written against, plus a
// FakeSession double used by the gateway's own tests.
package gal

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrAuthFailed is returned by SessionFactory.Acquire when the supplied
// credentials are rejected by the back end.
var ErrAuthFailed = errors.New("gal: authentication failed")

// Person is a GAL address book entry, projected to the short Exchange
// property codes the wire protocol exchanges plus a handful of extended
// fields used for LDAP attributes the short codes don't cover directly.
type Person struct {
	AN    string // alias / sAMAccountName, the uid
	EM    string // primary SMTP address
	CN    string // display name
	TITLE string // title
	CP    string // company
	L     string // office / location
	PH    string // telephone number

	First      string
	Initials   string
	Last       string
	Street     string
	State      string
	Zip        string
	Country    string
	Department string
	Mobile     string
}

// Session is one authenticated GAL query session, bound to a single
// Exchange user's credentials for its lifetime.
type Session interface {
	// GalFind looks up entries whose attribute named by code matches value,
	// returning the matches keyed by AN (the future uid).
	GalFind(ctx context.Context, code, value string) (map[string]*Person, error)
	// GalLookup fills in the extended fields of an already-found Person
	// (one round trip per result; the gateway only calls it for result
	// sets of at most 10 entries).
	GalLookup(ctx context.Context, p *Person) error
}

// SessionFactory authenticates against the back end and hands out Sessions.
type SessionFactory interface {
	Acquire(ctx context.Context, user, password string) (Session, error)
	Release(s Session)
}

// FakeSession is an in-memory Session double used by this module's own
// tests, standing in for the Exchange-backed implementation out of scope
// for this repository.
type FakeSession struct {
	mu      sync.Mutex
	People  []*Person
	Lookups int
}

func (f *FakeSession) GalFind(_ context.Context, code, value string) (map[string]*Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*Person)
	value = strings.ToLower(value)
	for _, p := range f.People {
		var field string
		switch strings.ToUpper(code) {
		case "*":
			out[p.AN] = p
			continue
		case "AN":
			field = p.AN
		case "EM":
			field = p.EM
		case "DN":
			field = p.CN
		case "FN":
			field = p.First
		case "LN":
			field = p.Last
		case "TL":
			field = p.TITLE
		case "CP":
			field = p.CP
		case "OF":
			field = p.L
		case "DP":
			field = p.Department
		default:
			continue
		}
		if strings.HasPrefix(strings.ToLower(field), value) {
			out[p.AN] = p
		}
	}
	return out, nil
}

func (f *FakeSession) GalLookup(_ context.Context, p *Person) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lookups++
	for _, cand := range f.People {
		if cand.AN == p.AN {
			*p = *cand
			return nil
		}
	}
	return nil
}

// Sweep returns every person whose AN starts with the given uppercase
// letter, sorted by AN, mirroring the A-through-Y directory sweep the
// gateway runs for an unfiltered subtree search.
func (f *FakeSession) Sweep(letter byte) []*Person {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Person
	for _, p := range f.People {
		if len(p.AN) > 0 && (p.AN[0]&^0x20) == letter {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AN < out[j].AN })
	return out
}

// FakeSessionFactory hands out the same FakeSession regardless of
// credentials, except for a configurable deny-list used to exercise
// ErrAuthFailed.
type FakeSessionFactory struct {
	Session    *FakeSession
	DenyUsers  map[string]bool
	Acquired   int
	Released   int
	mu         sync.Mutex
}

func NewFakeSessionFactory(people ...*Person) *FakeSessionFactory {
	return &FakeSessionFactory{Session: &FakeSession{People: people}}
}

func (f *FakeSessionFactory) Acquire(_ context.Context, user, _ string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DenyUsers != nil && f.DenyUsers[user] {
		return nil, ErrAuthFailed
	}
	f.Acquired++
	return f.Session, nil
}

func (f *FakeSessionFactory) Release(_ Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Released++
}
