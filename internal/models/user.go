package models

import (
	"sort"
	"time"
)

// Progress flag values.
const (
	ProgressDone    = "done"
	ProgressNotDone = "not_done"
)

// Well-known progress keys written by the course steps.
const (
	KeyFirstName       = "first_name"
	KeyLastName        = "last_name"
	KeyEmail           = "email"
	KeyBirthday        = "birthday"
	KeyGender          = "gender"
	KeyAbout           = "about"
	KeyCurrentChapter  = "current_chapter"
	KeyCurrentExercise = "current_exercise"
	// KeyLastExchange holds the previous free-text question and answer.
	KeyLastExchange = "last_exchange"
)

// User is the persisted conversation record for one external identity.
// CurrentStep names the handler that runs when the next event arrives.
type User struct {
	ExternalID  string            `json:"external_id"`
	DisplayName string            `json:"display_name,omitempty"`
	CurrentStep string            `json:"current_step"`
	Progress    map[string]string `json:"progress"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewUser returns an uninitialized user with an empty progress map.
func NewUser(externalID, displayName string) *User {
	now := time.Now()
	return &User{
		ExternalID:  externalID,
		DisplayName: displayName,
		Progress:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns the progress value stored under key.
func (u *User) Get(key string) string {
	if u.Progress == nil {
		return ""
	}
	return u.Progress[key]
}

// Set stores a progress value. An empty value removes the key.
func (u *User) Set(key, value string) {
	if u.Progress == nil {
		u.Progress = map[string]string{}
	}
	if value == "" {
		delete(u.Progress, key)
		return
	}
	u.Progress[key] = value
}

// SetFlag stores key as done or not_done.
func (u *User) SetFlag(key string, done bool) {
	if done {
		u.Set(key, ProgressDone)
		return
	}
	u.Set(key, ProgressNotDone)
}

// IsDone reports whether key is flagged done.
func (u *User) IsDone(key string) bool {
	return u.Get(key) == ProgressDone
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Progress = make(map[string]string, len(u.Progress))
	for k, v := range u.Progress {
		c.Progress[k] = v
	}
	return &c
}

// ProgressKeys returns the progress keys in sorted order.
func (u *User) ProgressKeys() []string {
	keys := make([]string, 0, len(u.Progress))
	for k := range u.Progress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConversationRecord is one append-only history row for an inbound message.
type ConversationRecord struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	EventID    string    `json:"event_id"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    string    `json:"payload"`
	// Summary is the user's last exchange at the time the event arrived.
	Summary string `json:"summary,omitempty"`
}
