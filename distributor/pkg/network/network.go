// Package network models the sponsor forest as an arena of users indexed by id.
package network

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrCycleDetected      = errors.New("sponsor cycle detected")
	ErrBrokenSponsorChain = errors.New("broken sponsor chain")
)

// UserID is the stable numeric user identifier. Zero means "no user".
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

type User struct {
	ID              UserID
	Wallet          string
	SponsorID       UserID
	Active          bool
	UnlockedLevel   int
	MonthlyVolume   decimal.Decimal
	TotalEarned     decimal.Decimal
	InternalBalance decimal.Decimal
}

// CycleError lists the users that form a sponsor cycle.
type CycleError struct {
	Users []UserID
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Users))
	for i, id := range e.Users {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(ids, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// BrokenChainError reports a sponsor walk that reached a sponsor id with no
// matching user before the requested depth.
type BrokenChainError struct {
	User    UserID
	At      UserID
	Missing UserID
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("%s: user %d has sponsor %d, which does not exist (walking from user %d)", ErrBrokenSponsorChain, e.At, e.Missing, e.User)
}

func (e *BrokenChainError) Unwrap() error { return ErrBrokenSponsorChain }

// Network is an immutable snapshot of users and sponsor edges.
type Network struct {
	users   []User
	index   map[UserID]int
	sponsor []int
	directs [][]int
	orphans []UserID
	broken  []bool
}

// New builds the arena. Users are ordered by id. A sponsor id that does not
// resolve to a user is reported by Orphans, and any sponsor walk that needs
// to pass it fails with ErrBrokenSponsorChain.
func New(users []User) (*Network, error) {
	sorted := slices.Clone(users)
	slices.SortFunc(sorted, func(a, b User) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	n := &Network{
		users:   sorted,
		index:   make(map[UserID]int, len(sorted)),
		sponsor: make([]int, len(sorted)),
		directs: make([][]int, len(sorted)),
		broken:  make([]bool, len(sorted)),
	}
	for i, u := range sorted {
		if u.ID == 0 {
			return nil, errors.New("user id must not be zero")
		}
		if _, ok := n.index[u.ID]; ok {
			return nil, fmt.Errorf("duplicate user id %d", u.ID)
		}
		n.index[u.ID] = i
	}
	for i, u := range sorted {
		n.sponsor[i] = -1
		if u.SponsorID == 0 {
			continue
		}
		if u.SponsorID == u.ID {
			return nil, &CycleError{Users: []UserID{u.ID, u.ID}}
		}
		j, ok := n.index[u.SponsorID]
		if !ok {
			n.orphans = append(n.orphans, u.ID)
			n.broken[i] = true
			continue
		}
		n.sponsor[i] = j
		n.directs[j] = append(n.directs[j], i)
	}
	return n, nil
}

func (n *Network) Len() int { return len(n.users) }

func (n *Network) User(id UserID) (User, bool) {
	i, ok := n.index[id]
	if !ok {
		return User{}, false
	}
	return n.users[i], true
}

// Users returns a copy of all users ordered by id.
func (n *Network) Users() []User {
	return slices.Clone(n.users)
}

// Orphans returns users whose sponsor id does not resolve.
func (n *Network) Orphans() []UserID {
	return slices.Clone(n.orphans)
}

// Directs returns the direct referrals of id ordered by id.
func (n *Network) Directs(id UserID) []User {
	i, ok := n.index[id]
	if !ok {
		return nil
	}
	out := make([]User, len(n.directs[i]))
	for k, j := range n.directs[i] {
		out[k] = n.users[j]
	}
	return out
}

// SponsorChain returns up to depth ancestors of id, nearest first. A walk
// that stops short of depth at an unresolved sponsor id returns a
// *BrokenChainError.
func (n *Network) SponsorChain(id UserID, depth int) ([]User, error) {
	i, ok := n.index[id]
	if !ok {
		return nil, fmt.Errorf("unknown user %d", id)
	}
	chain := make([]User, 0, depth)
	visited := map[int]struct{}{i: {}}
	path := []UserID{id}
	last := i
	for cur := n.sponsor[i]; cur >= 0 && len(chain) < depth; cur = n.sponsor[cur] {
		path = append(path, n.users[cur].ID)
		if _, seen := visited[cur]; seen {
			return nil, &CycleError{Users: path}
		}
		visited[cur] = struct{}{}
		chain = append(chain, n.users[cur])
		last = cur
	}
	if len(chain) < depth && n.broken[last] {
		return nil, &BrokenChainError{User: id, At: n.users[last].ID, Missing: n.users[last].SponsorID}
	}
	return chain, nil
}

// DetectCycles checks the whole forest. Each user has at most one sponsor, so
// every walk either reaches a root or re-enters the current path.
func (n *Network) DetectCycles() error {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make([]uint8, len(n.users))
	for start := range n.users {
		if state[start] != unvisited {
			continue
		}
		var path []int
		cur := start
		for cur >= 0 && state[cur] == unvisited {
			state[cur] = onPath
			path = append(path, cur)
			cur = n.sponsor[cur]
		}
		if cur >= 0 && state[cur] == onPath {
			k := slices.Index(path, cur)
			ids := make([]UserID, 0, len(path)-k+1)
			for _, p := range path[k:] {
				ids = append(ids, n.users[p].ID)
			}
			ids = append(ids, n.users[cur].ID)
			return &CycleError{Users: ids}
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return nil
}

// WithUnlockedLevels returns a copy of the network with levels applied.
func (n *Network) WithUnlockedLevels(levels map[UserID]int) *Network {
	c := &Network{
		users:   slices.Clone(n.users),
		index:   n.index,
		sponsor: n.sponsor,
		directs: n.directs,
		orphans: n.orphans,
		broken:  n.broken,
	}
	for id, level := range levels {
		if i, ok := c.index[id]; ok {
			c.users[i].UnlockedLevel = level
		}
	}
	return c
}

// TotalInternalBalance sums every user's internal balance.
func (n *Network) TotalInternalBalance() decimal.Decimal {
	total := decimal.Zero
	for _, u := range n.users {
		total = total.Add(u.InternalBalance)
	}
	return total
}
