package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserExists indicates a registration attempt for a taken username.
	ErrUserExists = errors.New("username already exists")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupExists indicates a creation attempt for a taken group name.
	ErrGroupExists = errors.New("group already exists")
	// ErrGroupNotFound indicates the referenced group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrAlreadyContact indicates the contact pair already exists.
	ErrAlreadyContact = errors.New("already a contact")
	// ErrAlreadyMember indicates the user is already in the group.
	ErrAlreadyMember = errors.New("already a group member")
)

// User is a registered account.
type User struct {
	ID       int64
	Username string
	Nickname string
	Online   bool
}

// Group is a named chat group.
type Group struct {
	Name        string
	Creator     string
	MemberCount int
}

// Message is one stored chat message, private or group.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string // empty for group messages
	Content   string
	Kind      string // "private" or "group"
	GroupName string // empty for private messages
	CreatedAt int64  // Unix timestamp in milliseconds
	Read      bool
}

// DB is the SQLite-backed directory and history store.
type DB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single write connection
	snowflake *Snowflake
}

// Open opens (creating if needed) the SQLite database at path and
// initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite permits one writer at a time; a dedicated single-connection
	// pool avoids SQLITE_BUSY churn between our own goroutines.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	nickname TEXT NOT NULL,
	online INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Contact (
	owner TEXT NOT NULL,
	contact TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (owner, contact)
);

CREATE TABLE IF NOT EXISTS ChatGroup (
	name TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS GroupMember (
	group_name TEXT NOT NULL,
	username TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (group_name, username),
	FOREIGN KEY (group_name) REFERENCES ChatGroup(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	content TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'private',
	group_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	is_read INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_offline ON Message(receiver, is_read) WHERE message_type = 'private';
CREATE INDEX IF NOT EXISTS idx_messages_pair ON Message(sender, receiver) WHERE message_type = 'private';
CREATE INDEX IF NOT EXISTS idx_messages_group ON Message(group_name) WHERE message_type = 'group';
`
	_, err := db.conn.Exec(schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateUser registers a new account with a bcrypt-hashed password.
// Returns ErrUserExists if the username is taken.
func (db *DB) CreateUser(username, password, nickname string) error {
	exists, err := db.userExists(username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = db.writeConn.Exec(`
		INSERT INTO User (username, password_hash, nickname, online, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, username, string(hash), nickname, nowMillis())
	if err != nil {
		// A concurrent registration can slip past the existence check;
		// the UNIQUE constraint on username is the real arbiter.
		if exists, exErr := db.userExists(username); exErr == nil && exists {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// Authenticate verifies credentials. A false return with nil error means
// the username is unknown or the password does not match.
func (db *DB) Authenticate(username, password string) (bool, error) {
	var hash string
	err := db.conn.QueryRow(`SELECT password_hash FROM User WHERE username = ?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// UserInfo returns the public profile for a username.
func (db *DB) UserInfo(username string) (*User, error) {
	u := &User{}
	var online int
	err := db.conn.QueryRow(`
		SELECT id, username, nickname, online FROM User WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.Nickname, &online)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Online = online != 0
	return u, nil
}

// SetOnlineStatus flips the online flag for a username.
func (db *DB) SetOnlineStatus(username string, online bool) error {
	val := 0
	if online {
		val = 1
	}
	_, err := db.writeConn.Exec(`UPDATE User SET online = ? WHERE username = ?`, val, username)
	return err
}

func (db *DB) userExists(username string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM User WHERE username = ?`, username).Scan(&n)
	return n > 0, err
}

// AddContact records contact in owner's contact list.
// Returns ErrUserNotFound when contact is not a registered user and
// ErrAlreadyContact when the pair already exists.
func (db *DB) AddContact(owner, contact string) error {
	exists, err := db.userExists(contact)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	isContact, err := db.IsContact(owner, contact)
	if err != nil {
		return err
	}
	if isContact {
		return ErrAlreadyContact
	}

	_, err = db.writeConn.Exec(`
		INSERT INTO Contact (owner, contact, created_at) VALUES (?, ?, ?)
	`, owner, contact, nowMillis())
	return err
}

// IsContact reports whether contact is in owner's contact list.
func (db *DB) IsContact(owner, contact string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM Contact WHERE owner = ? AND contact = ?
	`, owner, contact).Scan(&n)
	return n > 0, err
}

// Contacts returns the profiles of all of owner's contacts.
func (db *DB) Contacts(owner string) ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT u.id, u.username, u.nickname, u.online
		FROM Contact c JOIN User u ON u.username = c.contact
		WHERE c.owner = ?
		ORDER BY u.username ASC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*User
	for rows.Next() {
		u := &User{}
		var online int
		if err := rows.Scan(&u.ID, &u.Username, &u.Nickname, &online); err != nil {
			return nil, err
		}
		u.Online = online != 0
		contacts = append(contacts, u)
	}
	return contacts, rows.Err()
}

// CreateGroup creates a group and enrolls the creator as its first member.
// Returns ErrGroupExists if the name is taken.
func (db *DB) CreateGroup(name, creator string) error {
	now := nowMillis()
	res, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO ChatGroup (name, creator, created_at) VALUES (?, ?, ?)
	`, name, creator, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrGroupExists
	}

	_, err = db.writeConn.Exec(`
		INSERT OR IGNORE INTO GroupMember (group_name, username, joined_at) VALUES (?, ?, ?)
	`, name, creator, now)
	return err
}

// AddUserToGroup enrolls username in the group.
// Returns ErrGroupNotFound or ErrAlreadyMember as appropriate.
func (db *DB) AddUserToGroup(group, username string) error {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM ChatGroup WHERE name = ?`, group).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}

	res, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO GroupMember (group_name, username, joined_at) VALUES (?, ?, ?)
	`, group, username, nowMillis())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// IsGroupMember reports whether username belongs to the group.
func (db *DB) IsGroupMember(group, username string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM GroupMember WHERE group_name = ? AND username = ?
	`, group, username).Scan(&n)
	return n > 0, err
}

// GroupMembers returns the usernames enrolled in the group.
func (db *DB) GroupMembers(group string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT username FROM GroupMember WHERE group_name = ? ORDER BY username ASC
	`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// Groups returns every group username belongs to, with member counts.
func (db *DB) Groups(username string) ([]*Group, error) {
	rows, err := db.conn.Query(`
		SELECT g.name, g.creator,
			(SELECT COUNT(*) FROM GroupMember WHERE group_name = g.name)
		FROM GroupMember m JOIN ChatGroup g ON g.name = m.group_name
		WHERE m.username = ?
		ORDER BY g.name ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g := &Group{}
		if err := rows.Scan(&g.Name, &g.Creator, &g.MemberCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SaveMessage persists one message and returns its assigned ID.
// Group messages carry an empty receiver and the group name.
func (db *DB) SaveMessage(sender, receiver, content, kind, groupName string) (int64, error) {
	id := db.snowflake.NextID()
	_, err := db.writeConn.Exec(`
		INSERT INTO Message (id, sender, receiver, content, message_type, group_name, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, id, sender, receiver, content, kind, groupName, nowMillis())
	if err != nil {
		return 0, err
	}
	return id, nil
}

// OfflineMessages returns unread private messages addressed to username,
// oldest first so the recipient replays them in send order.
func (db *DB) OfflineMessages(username string) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, receiver, content, message_type, group_name, created_at, is_read
		FROM Message
		WHERE receiver = ? AND message_type = 'private' AND is_read = 0
		ORDER BY id ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkRead marks one message as delivered so it is not replayed on the
// recipient's next login.
func (db *DB) MarkRead(id int64) error {
	_, err := db.writeConn.Exec(`UPDATE Message SET is_read = 1 WHERE id = ?`, id)
	return err
}

// History returns up to limit stored messages between username and target
// (kind "private"), or in the group named target (kind "group"), newest
// first.
func (db *DB) History(username, target, kind string, limit int) ([]*Message, error) {
	var rows *sql.Rows
	var err error

	if kind == "group" {
		rows, err = db.conn.Query(`
			SELECT id, sender, receiver, content, message_type, group_name, created_at, is_read
			FROM Message
			WHERE group_name = ? AND message_type = 'group'
			ORDER BY id DESC LIMIT ?
		`, target, limit)
	} else {
		rows, err = db.conn.Query(`
			SELECT id, sender, receiver, content, message_type, group_name, created_at, is_read
			FROM Message
			WHERE ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
				AND message_type = 'private'
			ORDER BY id DESC LIMIT ?
		`, username, target, target, username, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var read int
		err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.Kind, &m.GroupName, &m.CreatedAt, &read)
		if err != nil {
			return nil, err
		}
		m.Read = read != 0
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
