// Package capacity tracks how many tasks each team and member carries
// against the maximum they may hold at once.
package capacity

import (
	"context"
	"sort"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Scope selects which ledger an entry belongs to.
type Scope string

const (
	ScopeTeam   Scope = "team"
	ScopeMember Scope = "member"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s == ScopeTeam || s == ScopeMember }

// Key identifies a single ledger entry.
type Key struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

func (k Key) String() string { return string(k.Scope) + ":" + k.ID }

// TeamKey returns the team ledger key for id.
func TeamKey(id string) Key { return Key{Scope: ScopeTeam, ID: id} }

// MemberKey returns the member ledger key for id.
func MemberKey(id string) Key { return Key{Scope: ScopeMember, ID: id} }

// KeyFor returns the entry an assignment consumes: the member entry when
// the assignment names a member, otherwise the team entry.
func KeyFor(a domain.Assignment) Key {
	if a.MemberScoped() {
		return MemberKey(a.MemberID)
	}
	return TeamKey(a.TeamID)
}

// Entry is the used/total pair for one team or member.
type Entry struct {
	Key   Key `json:"key"`
	Used  int `json:"used"`
	Total int `json:"total"`
}

// Available returns the number of free slots.
func (e Entry) Available() int { return e.Total - e.Used }

// Claim asks for Units slots on Key.
type Claim struct {
	Key   Key
	Units int
}

// Ledger is the shared capacity store. Reserve and Release apply every
// claim or none of them; the check against Total and the increment happen
// in one critical section.
type Ledger interface {
	Provision(ctx context.Context, key Key, total int) (Entry, error)
	Get(ctx context.Context, key Key) (Entry, error)
	Snapshot(ctx context.Context, keys []Key) ([]Entry, error)
	Reserve(ctx context.Context, claims []Claim) error
	Release(ctx context.Context, claims []Claim) error
	SetUsed(ctx context.Context, key Key, used int) (Entry, error)
}

// Lister is implemented by ledgers that can enumerate their entries.
type Lister interface {
	Keys(ctx context.Context) ([]Key, error)
}

// SortKeys orders keys by scope, then id.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scope != keys[j].Scope {
			return keys[i].Scope < keys[j].Scope
		}
		return keys[i].ID < keys[j].ID
	})
}

// Merge folds claims on the same key together, keeping first-seen order.
func Merge(claims []Claim) []Claim {
	idx := make(map[Key]int, len(claims))
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		if i, ok := idx[c.Key]; ok {
			out[i].Units += c.Units
			continue
		}
		idx[c.Key] = len(out)
		out = append(out, c)
	}
	return out
}

// NotFound is the error a Ledger returns for an unprovisioned key.
func NotFound(k Key) error {
	return &domain.NotFoundError{Resource: string(k.Scope), ID: k.ID}
}

// ValidateKey rejects keys with an unknown scope or an empty id.
func ValidateKey(k Key) error {
	if !k.Scope.Valid() || k.ID == "" {
		return &domain.ValidationError{Field: "key", Reason: "scope and id required"}
	}
	return nil
}

// ValidateClaims rejects unknown scopes and negative units.
func ValidateClaims(claims []Claim) error {
	for _, c := range claims {
		if !c.Key.Scope.Valid() {
			return &domain.ValidationError{Field: "scope", Reason: "must be team or member"}
		}
		if c.Units < 0 {
			return &domain.ValidationError{Field: "units", Reason: "must not be negative"}
		}
	}
	return nil
}
