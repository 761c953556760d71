package protocol

import (
	"encoding/json"
	"errors"
)

// Command types carried in the "type" field of an envelope.
const (
	TypeLogin                 = "login"
	TypeLoginSuccess          = "login_success"
	TypeLoginFailed           = "login_failed"
	TypeRegister              = "register"
	TypeRegisterSuccess       = "register_success"
	TypeRegisterFailed        = "register_failed"
	TypeContactsList          = "contacts_list"
	TypeGroupsList            = "groups_list"
	TypeOfflineMessages       = "offline_messages"
	TypePrivateMessage        = "private_message"
	TypeGroupMessage          = "group_message"
	TypeAddContact            = "add_contact"
	TypeAddContactSuccess     = "add_contact_success"
	TypeAddContactFailed      = "add_contact_failed"
	TypeCreateGroup           = "create_group"
	TypeCreateGroupSuccess    = "create_group_success"
	TypeCreateGroupFailed     = "create_group_failed"
	TypeJoinGroup             = "join_group"
	TypeJoinGroupSuccess      = "join_group_success"
	TypeJoinGroupFailed       = "join_group_failed"
	TypeAddGroupMembers       = "add_group_members"
	TypeAddGroupMembersResult = "add_group_members_result"
	TypeAddedToGroup          = "added_to_group"
	TypeGetHistory            = "get_history"
	TypeHistoryMessages       = "history_messages"
	TypeUserOnline            = "user_online"
	TypeUserOffline           = "user_offline"
)

// ErrNoType indicates a payload that decoded as JSON but carries no "type"
// discriminator. Such payloads are dropped, never fatal.
var ErrNoType = errors.New("envelope has no type field")

// UserInfo is the public profile document for a user.
type UserInfo struct {
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

// GroupInfo describes one group a user belongs to.
type GroupInfo struct {
	Name        string `json:"group_name"`
	Creator     string `json:"creator,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

// ChatMessage is one stored or relayed chat message.
type ChatMessage struct {
	ID        int64  `json:"id,omitempty"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Kind      string `json:"message_type,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Envelope is the decoded form of one frame payload: a flat JSON document
// with a "type" discriminator and whichever fields that command kind uses.
// Optional fields are omitted on the wire.
type Envelope struct {
	Type string `json:"type"`

	// Credentials and identity
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Nickname string `json:"nickname,omitempty"`

	// Response text for failure/success kinds
	Message string `json:"message,omitempty"`

	// Profile and list pushes
	UserInfo *UserInfo     `json:"userInfo,omitempty"`
	Contacts []UserInfo    `json:"contacts,omitempty"`
	Groups   []GroupInfo   `json:"groups,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`

	// Message relay
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Group operations
	GroupName string   `json:"group_name,omitempty"`
	Inviter   string   `json:"inviter,omitempty"`
	Members   []string `json:"members,omitempty"`

	// Contact operations
	ContactUsername string    `json:"contact_username,omitempty"`
	Contact         *UserInfo `json:"contact,omitempty"`

	// History queries
	Target      string `json:"target,omitempty"`
	MessageType string `json:"message_type,omitempty"`
}

// Encode serializes the envelope to its wire payload.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a frame payload. Callers treat any error as a
// malformed frame and drop the payload without closing the connection.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrNoType
	}
	return env, nil
}
