package protocol

// SessionView describes a session connected to a room
type SessionView struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"` // identity id, e.g. "agent:abc"
	Name      string `json:"name"`
	ServerID  string `json:"server_id,omitempty"`
	ServerEra string `json:"server_era,omitempty"`
	IsStaff   bool   `json:"is_staff,omitempty"`
	IsManager bool   `json:"is_manager,omitempty"`
}

// Message represents a single chat message in a room
type Message struct {
	ID        string      `json:"id"`
	Parent    string      `json:"parent,omitempty"`
	Time      int64       `json:"time"` // unix seconds, server assigned
	Sender    SessionView `json:"sender"`
	Content   string      `json:"content"`
	Edited    int64       `json:"edited,omitempty"`
	Deleted   int64       `json:"deleted,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
}

// Before orders messages by server time, breaking ties on id
func (m Message) Before(other Message) bool {
	if m.Time != other.Time {
		return m.Time < other.Time
	}
	return m.ID < other.ID
}

// Oldest returns the earliest message in msgs by Before order
func Oldest(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	oldest := msgs[0]
	for _, msg := range msgs[1:] {
		if msg.Before(oldest) {
			oldest = msg
		}
	}
	return oldest, true
}

// Newest returns the latest message in msgs by Before order
func Newest(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	newest := msgs[0]
	for _, msg := range msgs[1:] {
		if newest.Before(msg) {
			newest = msg
		}
	}
	return newest, true
}

// HelloEvent is sent by the server on connect
type HelloEvent struct {
	ID                   string      `json:"id"`
	Session              SessionView `json:"session"`
	RoomIsPrivate        bool        `json:"room_is_private"`
	Version              string      `json:"version"`
	AccountHasAccess     bool        `json:"account_has_access,omitempty"`
	AccountEmailVerified bool        `json:"account_email_verified,omitempty"`
}

// PingEvent is the server keepalive
type PingEvent struct {
	Time int64 `json:"time"`
	Next int64 `json:"next"`
}

// PingReply answers a PingEvent with the same time
type PingReply struct {
	Time int64 `json:"time"`
}

// SnapshotEvent describes the room state once the session has joined
type SnapshotEvent struct {
	Identity  string        `json:"identity"`
	SessionID string        `json:"session_id"`
	Version   string        `json:"version"`
	Listing   []SessionView `json:"listing"`
	Log       []Message     `json:"log"`
	Nick      string        `json:"nick,omitempty"`
}

// BounceEvent indicates that the room requires authentication
type BounceEvent struct {
	Reason      string   `json:"reason,omitempty"`
	AuthOptions []string `json:"auth_options,omitempty"`
}

// DisconnectEvent asks the client to drop the connection
type DisconnectEvent struct {
	Reason string `json:"reason"`
}

// NickCommand sets the display name of the session
type NickCommand struct {
	Name string `json:"name"`
}

// NickReply confirms a nick change
type NickReply struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// LogCommand requests up to N messages older than Before
type LogCommand struct {
	N      int    `json:"n"`
	Before string `json:"before,omitempty"`
}

// LogReply carries one page of room history
type LogReply struct {
	Log    []Message `json:"log"`
	Before string    `json:"before,omitempty"`
}
