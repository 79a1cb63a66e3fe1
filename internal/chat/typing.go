package chat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// typingSet tracks which users are typing in which chats. Every (chat,user)
// membership carries its own expiry timer; an explicit stop envelope and the
// expiry race, and removal is idempotent so either may win.
type typingSet struct {
	clock    clock.Clock
	expiry   time.Duration
	onExpire func(chatID, userID string)

	mu    sync.Mutex
	chats map[string]map[string]*clock.Timer
}

func newTypingSet(clk clock.Clock, expiry time.Duration, onExpire func(chatID, userID string)) *typingSet {
	return &typingSet{
		clock:    clk,
		expiry:   expiry,
		onExpire: onExpire,
		chats:    make(map[string]map[string]*clock.Timer),
	}
}

// add inserts the membership with a fresh expiry timer, replacing any timer
// already running for the pair.
func (ts *typingSet) add(chatID, userID string) {
	ts.mu.Lock()
	users, ok := ts.chats[chatID]
	if !ok {
		users = make(map[string]*clock.Timer)
		ts.chats[chatID] = users
	}
	if old, ok := users[userID]; ok && old != nil {
		old.Stop()
	}
	users[userID] = ts.clock.AfterFunc(ts.expiry, func() {
		if ts.remove(chatID, userID) {
			ts.onExpire(chatID, userID)
		}
	})
	ts.mu.Unlock()
}

// remove drops the membership and reports whether it was present. The
// remove-and-check contract makes the stop/expiry race safe: only the first
// caller sees true.
func (ts *typingSet) remove(chatID, userID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	users, ok := ts.chats[chatID]
	if !ok {
		return false
	}
	timer, ok := users[userID]
	if !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(ts.chats, chatID)
	}
	if timer != nil {
		timer.Stop()
	}
	return true
}

// usersIn returns the users currently typing in a chat.
func (ts *typingSet) usersIn(chatID string) []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	users := ts.chats[chatID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// clear cancels every timer and empties the set.
func (ts *typingSet) clear() {
	ts.mu.Lock()
	for _, users := range ts.chats {
		for _, timer := range users {
			if timer != nil {
				timer.Stop()
			}
		}
	}
	ts.chats = make(map[string]map[string]*clock.Timer)
	ts.mu.Unlock()
}
