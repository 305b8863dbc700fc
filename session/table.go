// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sort"
	"sync"
	"time"
)

// Binding is a username bound to a live connection.
type Binding struct {
	User     string
	Conn     Conn
	LastSeen time.Time
	BoundAt  time.Time
}

type entry struct {
	conn     Conn
	lastSeen time.Time
	boundAt  time.Time
}

// Table maps usernames to their live connections. A username has at most
// one connection; one connection may carry several usernames when a client
// logs in more than once over the same socket.
type Table struct {
	mu     sync.RWMutex
	users  map[string]*entry
	byConn map[string]map[string]struct{} // conn ID -> usernames
	now    func() time.Time
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		users:  make(map[string]*entry),
		byConn: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Bind associates user with conn and resets its heartbeat clock. It returns the
// connection previously bound to user when that is a different connection, so
// the caller can shut it down; otherwise nil.
func (t *Table) Bind(user string, conn Conn) Conn {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var prev Conn
	if old, ok := t.users[user]; ok && old.conn.ID() != conn.ID() {
		prev = old.conn
		t.dropIndexLocked(old.conn.ID(), user)
	}

	t.users[user] = &entry{conn: conn, lastSeen: now, boundAt: now}
	names, ok := t.byConn[conn.ID()]
	if !ok {
		names = make(map[string]struct{})
		t.byConn[conn.ID()] = names
	}
	names[user] = struct{}{}

	if prev != nil && len(t.byConn[prev.ID()]) > 0 {
		// Still carries other identities; leave it open.
		prev = nil
	}
	return prev
}

// Unbind removes every username still bound to conn and returns them sorted.
// Usernames that were rebound to another connection are left alone.
func (t *Table) Unbind(conn Conn) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := t.byConn[conn.ID()]
	delete(t.byConn, conn.ID())

	removed := make([]string, 0, len(names))
	for name := range names {
		if e, ok := t.users[name]; ok && e.conn.ID() == conn.ID() {
			delete(t.users, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// RemoveIfExpired unbinds user only if it is still bound to conn and its
// last heartbeat is still older than timeout at now.
func (t *Table) RemoveIfExpired(user string, conn Conn, now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user]
	if !ok || e.conn.ID() != conn.ID() || now.Sub(e.lastSeen) <= timeout {
		return false
	}
	delete(t.users, user)
	t.dropIndexLocked(conn.ID(), user)
	return true
}

// Touch records a heartbeat for user. Unknown users are ignored.
func (t *Table) Touch(user string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user]
	if !ok {
		return false
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	return true
}

func (t *Table) IsOnline(user string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[user]
	return ok
}

// Find returns the connection bound to user.
func (t *Table) Find(user string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.users[user]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// AllOnline returns every binding ordered by username.
func (t *Table) AllOnline() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collectLocked(func(*entry) bool { return true })
}

// Expired returns bindings whose last heartbeat is older than timeout at now.
func (t *Table) Expired(now time.Time, timeout time.Duration) []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collectLocked(func(e *entry) bool { return now.Sub(e.lastSeen) > timeout })
}

// Len returns the number of online users.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

func (t *Table) collectLocked(keep func(*entry) bool) []Binding {
	out := make([]Binding, 0, len(t.users))
	for name, e := range t.users {
		if keep(e) {
			out = append(out, Binding{User: name, Conn: e.conn, LastSeen: e.lastSeen, BoundAt: e.boundAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

func (t *Table) dropIndexLocked(connID, user string) {
	names, ok := t.byConn[connID]
	if !ok {
		return
	}
	delete(names, user)
	if len(names) == 0 {
		delete(t.byConn, connID)
	}
}
