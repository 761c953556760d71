package server

import "github.com/lyppppppppp/relaychat/pkg/database"

// DirectoryStore is the directory and history collaborator the router calls
// into: authentication, contact/group membership, message persistence and
// the offline queue. The SQLite implementation lives in pkg/database; tests
// substitute an in-memory mock.
type DirectoryStore interface {
	// Accounts
	Authenticate(username, password string) (bool, error)
	CreateUser(username, password, nickname string) error
	UserInfo(username string) (*database.User, error)
	SetOnlineStatus(username string, online bool) error

	// Contacts
	AddContact(owner, contact string) error
	IsContact(owner, contact string) (bool, error)
	Contacts(owner string) ([]*database.User, error)

	// Groups
	CreateGroup(name, creator string) error
	AddUserToGroup(group, username string) error
	IsGroupMember(group, username string) (bool, error)
	GroupMembers(group string) ([]string, error)
	Groups(username string) ([]*database.Group, error)

	// Messages
	SaveMessage(sender, receiver, content, kind, groupName string) (int64, error)
	OfflineMessages(username string) ([]*database.Message, error)
	MarkRead(id int64) error
	History(username, target, kind string, limit int) ([]*database.Message, error)

	Close() error
}
