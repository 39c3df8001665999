package ingest

import (
	"sync"
)

type consumerActionType int

const (
	actionSubscribe consumerActionType = iota
	actionUnsubscribe
	actionStandbyToLeader
	actionLeaderToStandby
	actionDropPartition
)

func (a consumerActionType) String() string {
	switch a {
	case actionSubscribe:
		return "SUBSCRIBE"
	case actionUnsubscribe:
		return "UNSUBSCRIBE"
	case actionStandbyToLeader:
		return "STANDBY_TO_LEADER"
	case actionLeaderToStandby:
		return "LEADER_TO_STANDBY"
	case actionDropPartition:
		return "DROP"
	}
	return "UNKNOWN"
}

// SessionChecker reports whether the role-assignment session that submitted a
// command is still the current one at the moment of a state write. A stale
// session makes the command a no-op instead of an error.
type SessionChecker interface {
	IsSessionCurrent() bool
}

type alwaysCurrentChecker struct{}

func (alwaysCurrentChecker) IsSessionCurrent() bool {
	return true
}

// leaderSessionIDChecker captures the session id assigned when the command
// was submitted and compares it against the partition's latest.
type leaderSessionIDChecker struct {
	sessionID uint64
	latest    *sessionCounter
}

func (c *leaderSessionIDChecker) IsSessionCurrent() bool {
	return c.latest.current() == c.sessionID
}

type sessionCounter struct {
	lock sync.Mutex
	id   uint64
}

func (s *sessionCounter) next() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.id++
	return s.id
}

func (s *sessionCounter) current() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.id
}

type consumerAction struct {
	actionType consumerActionType
	partition  int32
	checker    SessionChecker
}

// actionQueue is the per-task FIFO of role-change and subscription commands,
// drained in submission order by the ingestion loop.
type actionQueue struct {
	lock    sync.Mutex
	actions []consumerAction
}

func (q *actionQueue) submit(action consumerAction) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.actions = append(q.actions, action)
}

// drain returns all queued actions, leaving the queue empty.
func (q *actionQueue) drain() []consumerAction {
	q.lock.Lock()
	defer q.lock.Unlock()
	actions := q.actions
	q.actions = nil
	return actions
}
