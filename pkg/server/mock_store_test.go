package server

import (
	"sort"
	"sync"

	"github.com/lyppppppppp/relaychat/pkg/database"
)

// mockStore is an in-memory DirectoryStore for router tests.
type mockStore struct {
	mu       sync.RWMutex
	users    map[string]*mockUser
	contacts map[string]map[string]bool // owner -> contact set
	groups   map[string]*mockGroup
	messages []*database.Message
	nextID   int64
}

type mockUser struct {
	id       int64
	password string
	nickname string
	online   bool
}

type mockGroup struct {
	creator string
	members map[string]bool
}

func newMockStore() *mockStore {
	return &mockStore{
		users:    make(map[string]*mockUser),
		contacts: make(map[string]map[string]bool),
		groups:   make(map[string]*mockGroup),
		nextID:   1,
	}
}

func (m *mockStore) Authenticate(username, password string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	return ok && u.password == password, nil
}

func (m *mockStore) CreateUser(username, password, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		return database.ErrUserExists
	}
	m.users[username] = &mockUser{
		id:       int64(len(m.users) + 1),
		password: password,
		nickname: nickname,
	}
	return nil
}

func (m *mockStore) UserInfo(username string) (*database.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return &database.User{
		ID:       u.id,
		Username: username,
		Nickname: u.nickname,
		Online:   u.online,
	}, nil
}

func (m *mockStore) SetOnlineStatus(username string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[username]; ok {
		u.online = online
	}
	return nil
}

func (m *mockStore) AddContact(owner, contact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[contact]; !ok {
		return database.ErrUserNotFound
	}
	if m.contacts[owner] == nil {
		m.contacts[owner] = make(map[string]bool)
	}
	if m.contacts[owner][contact] {
		return database.ErrAlreadyContact
	}
	m.contacts[owner][contact] = true
	return nil
}

func (m *mockStore) IsContact(owner, contact string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.contacts[owner][contact], nil
}

func (m *mockStore) Contacts(owner string) ([]*database.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.contacts[owner]))
	for name := range m.contacts[owner] {
		names = append(names, name)
	}
	sort.Strings(names)

	contacts := make([]*database.User, 0, len(names))
	for _, name := range names {
		u := m.users[name]
		contacts = append(contacts, &database.User{
			ID:       u.id,
			Username: name,
			Nickname: u.nickname,
			Online:   u.online,
		})
	}
	return contacts, nil
}

func (m *mockStore) CreateGroup(name, creator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; ok {
		return database.ErrGroupExists
	}
	m.groups[name] = &mockGroup{
		creator: creator,
		members: map[string]bool{creator: true},
	}
	return nil
}

func (m *mockStore) AddUserToGroup(group, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok {
		return database.ErrGroupNotFound
	}
	if g.members[username] {
		return database.ErrAlreadyMember
	}
	g.members[username] = true
	return nil
}

func (m *mockStore) IsGroupMember(group, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[group]
	return ok && g.members[username], nil
}

func (m *mockStore) GroupMembers(group string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[group]
	if !ok {
		return nil, database.ErrGroupNotFound
	}
	members := make([]string, 0, len(g.members))
	for name := range g.members {
		members = append(members, name)
	}
	sort.Strings(members)
	return members, nil
}

func (m *mockStore) Groups(username string) ([]*database.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.groups))
	for name, g := range m.groups {
		if g.members[username] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	groups := make([]*database.Group, 0, len(names))
	for _, name := range names {
		g := m.groups[name]
		groups = append(groups, &database.Group{
			Name:        name,
			Creator:     g.creator,
			MemberCount: len(g.members),
		})
	}
	return groups, nil
}

func (m *mockStore) SaveMessage(sender, receiver, content, kind, groupName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.messages = append(m.messages, &database.Message{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Kind:      kind,
		GroupName: groupName,
	})
	return id, nil
}

func (m *mockStore) OfflineMessages(username string) ([]*database.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*database.Message
	for _, msg := range m.messages {
		if msg.Kind == "private" && msg.Receiver == username && !msg.Read {
			pending = append(pending, msg)
		}
	}
	return pending, nil
}

func (m *mockStore) MarkRead(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			msg.Read = true
		}
	}
	return nil
}

func (m *mockStore) History(username, target, kind string, limit int) ([]*database.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var history []*database.Message
	for i := len(m.messages) - 1; i >= 0 && len(history) < limit; i-- {
		msg := m.messages[i]
		if kind == "group" {
			if msg.Kind == "group" && msg.GroupName == target {
				history = append(history, msg)
			}
		} else {
			if msg.Kind == "private" &&
				((msg.Sender == username && msg.Receiver == target) ||
					(msg.Sender == target && msg.Receiver == username)) {
				history = append(history, msg)
			}
		}
	}
	return history, nil
}

func (m *mockStore) Close() error { return nil }
