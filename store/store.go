// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store holds the broker's domain state: users, queues, topics,
// DM contacts, bounded histories and offline backlogs.
package store

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/mombroker/storage"
)

// Default history caps.
const (
	DefaultDMHistoryLimit    = 20
	DefaultTopicHistoryLimit = 50
)

// UserQueuePrefix names the queue created implicitly for every user.
const UserQueuePrefix = "queue_"

const pairSeparator = "|"

// Limits bounds the history logs.
type Limits struct {
	DMHistory    int
	TopicHistory int
}

// DefaultLimits returns the standard 20/50 caps.
func DefaultLimits() Limits {
	return Limits{DMHistory: DefaultDMHistoryLimit, TopicHistory: DefaultTopicHistoryLimit}
}

// Queue is a named, ordered message buffer.
type Queue struct {
	Name     string
	Messages []string
}

// Topic is a pub/sub channel with a duplicate-free subscriber list.
type Topic struct {
	Name        string
	Subscribers []string
}

// History is the replay data for a user.
type History struct {
	Topics       []string
	Contacts     []string
	DMHistory    map[string][]string
	TopicHistory map[string][]string
}

// QueueInfo is a read-only queue summary.
type QueueInfo struct {
	Name     string `json:"name"`
	Messages int    `json:"messages"`
}

// TopicInfo is a read-only topic summary.
type TopicInfo struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

// Store is the lock-guarded domain state. Every method is one critical section.
type Store struct {
	mu     sync.RWMutex
	limits Limits

	users      map[string]*Queue
	queues     []*Queue
	topics     []*Topic
	topicIndex map[string]*Topic

	offline      map[string][]string
	contacts     map[string][]string
	dmHistory    map[string][]string
	topicHistory map[string][]string
}

// New creates an empty store. Non-positive limits fall back to the defaults.
func New(limits Limits) *Store {
	if limits.DMHistory <= 0 {
		limits.DMHistory = DefaultDMHistoryLimit
	}
	if limits.TopicHistory <= 0 {
		limits.TopicHistory = DefaultTopicHistoryLimit
	}
	s := &Store{limits: limits}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.users = make(map[string]*Queue)
	s.queues = nil
	s.topics = nil
	s.topicIndex = make(map[string]*Topic)
	s.offline = make(map[string][]string)
	s.contacts = make(map[string][]string)
	s.dmHistory = make(map[string][]string)
	s.topicHistory = make(map[string][]string)
}

// CreateUser registers name with its implicit queue and an empty contact list.
// It returns false without mutating anything when the name is taken.
func (s *Store) CreateUser(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[name]; ok {
		return false
	}
	q := &Queue{Name: UserQueuePrefix + name}
	s.users[name] = q
	s.queues = append(s.queues, q)
	s.contacts[name] = []string{}
	return true
}

func (s *Store) UserExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[name]
	return ok
}

// AddQueue always appends; duplicate names are kept.
func (s *Store) AddQueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, &Queue{Name: name})
}

// AddTopic creates the topic unless it exists. It reports whether it was created.
func (s *Store) AddTopic(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, created := s.topicLocked(name)
	return created
}

// Subscribe adds user to topic, creating the topic when needed. It reports
// whether the subscriber set changed.
func (s *Store) Subscribe(user, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(user, topic)
}

// Unsubscribe removes user from topic. Unknown topics are a no-op.
func (s *Store) Unsubscribe(user, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topicIndex[topic]
	if !ok {
		return false
	}
	i := slices.Index(t.Subscribers, user)
	if i < 0 {
		return false
	}
	t.Subscribers = slices.Delete(t.Subscribers, i, i+1)
	return true
}

// Subscribers returns a copy of the topic's subscriber list.
func (s *Store) Subscribers(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topicIndex[topic]
	if !ok {
		return nil
	}
	return slices.Clone(t.Subscribers)
}

// SubscribeAndList subscribes user to topic and returns the resulting
// subscriber list in one critical section.
func (s *Store) SubscribeAndList(user, topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribeLocked(user, topic)
	return slices.Clone(s.topicIndex[topic].Subscribers)
}

// RecordDM appends text to the pair's history and registers both users as
// each other's contacts.
func (s *Store) RecordDM(sender, recipient, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addContactLocked(sender, recipient)
	s.addContactLocked(recipient, sender)

	key := PairKey(sender, recipient)
	s.dmHistory[key] = appendBounded(s.dmHistory[key], text, s.limits.DMHistory)
}

// RecordTopicMessage appends text to the topic's history.
func (s *Store) RecordTopicMessage(topic, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topicHistory[topic] = appendBounded(s.topicHistory[topic], text, s.limits.TopicHistory)
}

// QueueOffline appends text to user's backlog.
func (s *Store) QueueOffline(user, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[user] = append(s.offline[user], text)
}

// DrainOffline returns user's backlog and clears it.
func (s *Store) DrainOffline(user string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.offline[user]
	delete(s.offline, user)
	return msgs
}

// OfflineCount returns the size of user's backlog.
func (s *Store) OfflineCount(user string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offline[user])
}

// HistoryFor collects the login replay for user: subscribed topics in topic
// order, DM contacts, the histories of every pair user belongs to and the
// history of every subscribed topic.
func (s *Store) HistoryFor(user string) History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := History{
		Topics:       []string{},
		Contacts:     slices.Clone(s.contacts[user]),
		DMHistory:    make(map[string][]string),
		TopicHistory: make(map[string][]string),
	}
	if h.Contacts == nil {
		h.Contacts = []string{}
	}

	for _, t := range s.topics {
		if slices.Contains(t.Subscribers, user) {
			h.Topics = append(h.Topics, t.Name)
			h.TopicHistory[t.Name] = cloneOrEmpty(s.topicHistory[t.Name])
		}
	}
	for key, msgs := range s.dmHistory {
		if pairContains(key, user) {
			h.DMHistory[key] = slices.Clone(msgs)
		}
	}
	return h
}

// DMHistory returns the stored history for the pair.
func (s *Store) DMHistory(a, b string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.dmHistory[PairKey(a, b)])
}

// TopicHistory returns the stored history for topic.
func (s *Store) TopicHistory(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.topicHistory[topic])
}

// Users returns every registered username, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns queue summaries in creation order.
func (s *Store) Queues() []QueueInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]QueueInfo, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, QueueInfo{Name: q.Name, Messages: len(q.Messages)})
	}
	return out
}

// Topics returns topic summaries in creation order.
func (s *Store) Topics() []TopicInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TopicInfo, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, TopicInfo{Name: t.Name, Subscribers: slices.Clone(t.Subscribers)})
	}
	return out
}

// OfflineCounts returns the backlog size per user with a non-empty backlog.
func (s *Store) OfflineCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.offline))
	for user, msgs := range s.offline {
		if len(msgs) > 0 {
			out[user] = len(msgs)
		}
	}
	return out
}

// Snapshot captures the full state for persistence.
func (s *Store) Snapshot() *storage.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &storage.Snapshot{
		Queues:          make([]storage.Queue, 0, len(s.queues)),
		Topics:          make([]storage.Topic, 0, len(s.topics)),
		Users:           make([]string, 0, len(s.users)),
		OfflineMessages: cloneMap(s.offline),
		DMContacts:      cloneMap(s.contacts),
		DMHistory:       cloneMap(s.dmHistory),
		TopicHistory:    cloneMap(s.topicHistory),
	}
	for _, q := range s.queues {
		snap.Queues = append(snap.Queues, storage.Queue{Name: q.Name, Messages: cloneOrEmpty(q.Messages)})
	}
	for _, t := range s.topics {
		snap.Topics = append(snap.Topics, storage.Topic{Name: t.Name, Subscribers: cloneOrEmpty(t.Subscribers)})
	}
	for name := range s.users {
		snap.Users = append(snap.Users, name)
	}
	sort.Strings(snap.Users)
	return snap
}

// Restore replaces the state with snap. Restored users get a fresh implicit
// queue that is not linked into the queue list; the persisted queue list is
// taken as is. Histories longer than the configured caps are trimmed.
func (s *Store) Restore(snap *storage.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	if snap == nil {
		return
	}

	for _, q := range snap.Queues {
		s.queues = append(s.queues, &Queue{Name: q.Name, Messages: slices.Clone(q.Messages)})
	}
	for _, t := range snap.Topics {
		topic, _ := s.topicLocked(t.Name)
		for _, sub := range t.Subscribers {
			if !slices.Contains(topic.Subscribers, sub) {
				topic.Subscribers = append(topic.Subscribers, sub)
			}
		}
	}
	for _, name := range snap.Users {
		s.users[name] = &Queue{Name: UserQueuePrefix + name}
	}
	for user, msgs := range snap.OfflineMessages {
		if len(msgs) > 0 {
			s.offline[user] = slices.Clone(msgs)
		}
	}
	for user, contacts := range snap.DMContacts {
		s.contacts[user] = cloneOrEmpty(contacts)
	}
	for key, msgs := range snap.DMHistory {
		s.dmHistory[key] = tail(msgs, s.limits.DMHistory)
	}
	for topic, msgs := range snap.TopicHistory {
		s.topicHistory[topic] = tail(msgs, s.limits.TopicHistory)
	}
}

// PairKey returns the order-independent key for a user pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}

func pairContains(key, user string) bool {
	a, b, ok := strings.Cut(key, pairSeparator)
	if !ok {
		return key == user
	}
	return a == user || b == user
}

func (s *Store) topicLocked(name string) (*Topic, bool) {
	if t, ok := s.topicIndex[name]; ok {
		return t, false
	}
	t := &Topic{Name: name, Subscribers: []string{}}
	s.topics = append(s.topics, t)
	s.topicIndex[name] = t
	return t, true
}

func (s *Store) subscribeLocked(user, topic string) bool {
	t, _ := s.topicLocked(topic)
	if slices.Contains(t.Subscribers, user) {
		return false
	}
	t.Subscribers = append(t.Subscribers, user)
	return true
}

func (s *Store) addContactLocked(user, contact string) {
	if !slices.Contains(s.contacts[user], contact) {
		s.contacts[user] = append(s.contacts[user], contact)
	}
}

// appendBounded appends v and drops the oldest entries beyond limit.
func appendBounded(list []string, v string, limit int) []string {
	list = append(list, v)
	if len(list) > limit {
		list = slices.Clone(list[len(list)-limit:])
	}
	return list
}

func tail(list []string, limit int) []string {
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return slices.Clone(list)
}

func cloneOrEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return slices.Clone(list)
}

func cloneMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = cloneOrEmpty(v)
	}
	return out
}
