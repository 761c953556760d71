package server

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lyppppppppp/relaychat/pkg/database"
	"github.com/lyppppppppp/relaychat/pkg/protocol"
)

// Router interprets decoded envelopes as commands, consults the directory
// store, mutates the session registry, and computes the delivery set for
// every outbound envelope. It holds no per-command state of its own; all
// state lives in the registry and the store.
type Router struct {
	store    DirectoryStore
	registry *Registry
	metrics  *Metrics
	logger   zerolog.Logger
	config   ServerConfig
}

// NewRouter creates a router over the given collaborators.
func NewRouter(store DirectoryStore, registry *Registry, metrics *Metrics, config ServerConfig, logger zerolog.Logger) *Router {
	return &Router{
		store:    store,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("component", "router").Logger(),
		config:   config,
	}
}

// HandlePayload dispatches one reassembled frame payload from conn.
// Malformed payloads and unrecognized command types are dropped; only
// transport errors close connections.
func (r *Router) HandlePayload(conn *Conn, payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		r.metrics.RecordFrameDropped()
		r.logger.Debug().Uint64("conn_id", conn.ID()).Err(err).Msg("dropping malformed frame")
		return
	}

	r.metrics.RecordMessageReceived(env.Type)

	switch env.Type {
	case protocol.TypeLogin:
		r.handleLogin(conn, env)
	case protocol.TypeRegister:
		r.handleRegister(conn, env)
	default:
		// Everything else requires a bound identity.
		username := conn.Username()
		if username == "" {
			r.metrics.RecordFrameDropped()
			r.logger.Debug().Uint64("conn_id", conn.ID()).Str("type", env.Type).
				Msg("dropping command from unauthenticated connection")
			return
		}
		r.dispatchAuthenticated(conn, username, env)
	}
}

func (r *Router) dispatchAuthenticated(conn *Conn, username string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePrivateMessage:
		r.handlePrivateMessage(conn, username, env)
	case protocol.TypeGroupMessage:
		r.handleGroupMessage(conn, username, env)
	case protocol.TypeAddContact:
		r.handleAddContact(conn, username, env)
	case protocol.TypeCreateGroup:
		r.handleCreateGroup(conn, username, env)
	case protocol.TypeJoinGroup:
		r.handleJoinGroup(conn, username, env)
	case protocol.TypeAddGroupMembers:
		r.handleAddGroupMembers(conn, username, env)
	case protocol.TypeGetHistory:
		r.handleGetHistory(conn, username, env)
	default:
		r.metrics.RecordFrameDropped()
		r.logger.Debug().Str("type", env.Type).Msg("dropping unrecognized command")
	}
}

// HandleDisconnect runs the transport-level cleanup when a connection
// closes: unbind the identity, mark it offline, tell everyone else.
func (r *Router) HandleDisconnect(conn *Conn) {
	username := conn.Username()
	if username == "" {
		return
	}

	r.registry.Unbind(username, conn)
	r.metrics.RecordBoundIdentities(r.registry.Len())

	if err := r.store.SetOnlineStatus(username, false); err != nil {
		r.logger.Error().Err(err).Str("username", username).Msg("failed to mark user offline")
	}

	r.broadcastExcept(conn, &protocol.Envelope{
		Type:     protocol.TypeUserOffline,
		Username: username,
	})

	r.logger.Info().Str("username", username).Msg("user disconnected")
}

func (r *Router) handleLogin(conn *Conn, env *protocol.Envelope) {
	// A connection holds at most one identity for its whole lifetime;
	// switching users requires a reconnect.
	if conn.Username() != "" {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeLoginFailed, Message: "already logged in"})
		return
	}

	ok, err := r.store.Authenticate(env.Username, env.Password)
	if err != nil {
		r.logger.Error().Err(err).Msg("authentication query failed")
		r.send(conn, &protocol.Envelope{Type: protocol.TypeLoginFailed, Message: "directory unavailable"})
		return
	}
	if !ok {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeLoginFailed, Message: "invalid username or password"})
		return
	}

	// Reject a second concurrent session instead of displacing the first.
	if !r.registry.Bind(env.Username, conn) {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeLoginFailed, Message: "user already logged in"})
		return
	}

	username := env.Username
	conn.SetUsername(username)
	r.metrics.RecordBoundIdentities(r.registry.Len())

	if err := r.store.SetOnlineStatus(username, true); err != nil {
		r.logger.Error().Err(err).Str("username", username).Msg("failed to mark user online")
	}

	// Login pushes go out in a fixed order on this connection: ack,
	// contacts, groups, offline messages. The per-connection write
	// serialization guarantees the client observes them in that order.
	ack := &protocol.Envelope{Type: protocol.TypeLoginSuccess, Username: username}
	if info, err := r.store.UserInfo(username); err == nil {
		ack.UserInfo = userToWire(info)
	}
	r.send(conn, ack)

	r.pushContacts(conn, username)
	r.pushGroups(conn, username)

	if pending, err := r.store.OfflineMessages(username); err != nil {
		r.logger.Error().Err(err).Str("username", username).Msg("failed to load offline messages")
	} else if len(pending) > 0 {
		r.send(conn, &protocol.Envelope{
			Type:     protocol.TypeOfflineMessages,
			Messages: messagesToWire(pending),
		})
		// Mark delivered so the next login does not replay them.
		for _, m := range pending {
			if err := r.store.MarkRead(m.ID); err != nil {
				r.logger.Error().Err(err).Int64("message_id", m.ID).Msg("failed to mark message read")
			}
		}
	}

	r.broadcastExcept(conn, &protocol.Envelope{
		Type:     protocol.TypeUserOnline,
		Username: username,
	})

	r.logger.Info().Str("username", username).Uint64("conn_id", conn.ID()).Msg("user logged in")
}

func (r *Router) handleRegister(conn *Conn, env *protocol.Envelope) {
	err := r.store.CreateUser(env.Username, env.Password, env.Nickname)
	switch {
	case err == nil:
		r.send(conn, &protocol.Envelope{Type: protocol.TypeRegisterSuccess, Message: "registration successful"})
		r.logger.Info().Str("username", env.Username).Msg("user registered")
	case errors.Is(err, database.ErrUserExists):
		r.send(conn, &protocol.Envelope{Type: protocol.TypeRegisterFailed, Message: "username already exists"})
	default:
		r.logger.Error().Err(err).Msg("registration failed")
		r.send(conn, &protocol.Envelope{Type: protocol.TypeRegisterFailed, Message: "registration failed"})
	}
}

func (r *Router) handlePrivateMessage(conn *Conn, sender string, env *protocol.Envelope) {
	if env.Receiver == "" || len(env.Content) > r.config.MaxMessageLength {
		r.metrics.RecordFrameDropped()
		return
	}

	// Persist unconditionally so history exists even for offline peers.
	id, err := r.store.SaveMessage(sender, env.Receiver, env.Content, "private", "")
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to persist private message")
		return
	}

	msg := &protocol.Envelope{
		Type:      protocol.TypePrivateMessage,
		Sender:    sender,
		Receiver:  env.Receiver,
		Content:   env.Content,
		Timestamp: nowTimestamp(),
	}

	// Deliver if the recipient is online; otherwise persistence alone
	// satisfies the offline case, replayed at their next login.
	if target, ok := r.registry.Lookup(env.Receiver); ok {
		if r.send(target, msg) == nil {
			if err := r.store.MarkRead(id); err != nil {
				r.logger.Error().Err(err).Int64("message_id", id).Msg("failed to mark message read")
			}
		}
	}

	// Echo to the sender as the delivery acknowledgment.
	r.send(conn, msg)
}

func (r *Router) handleGroupMessage(conn *Conn, sender string, env *protocol.Envelope) {
	if env.GroupName == "" || len(env.Content) > r.config.MaxMessageLength {
		r.metrics.RecordFrameDropped()
		return
	}

	if _, err := r.store.SaveMessage(sender, "", env.Content, "group", env.GroupName); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist group message")
		return
	}

	msg := &protocol.Envelope{
		Type:      protocol.TypeGroupMessage,
		Sender:    sender,
		GroupName: env.GroupName,
		Content:   env.Content,
		Timestamp: nowTimestamp(),
	}

	members, err := r.store.GroupMembers(env.GroupName)
	if err != nil {
		r.logger.Error().Err(err).Str("group", env.GroupName).Msg("failed to load group members")
		return
	}

	// The sender already has local confirmation; everyone else gets one copy.
	delivered := 0
	for _, member := range members {
		if member == sender {
			continue
		}
		if target, ok := r.registry.Lookup(member); ok {
			if r.send(target, msg) == nil {
				delivered++
			}
		}
	}
	r.metrics.RecordBroadcastFanout(delivered)
}

func (r *Router) handleAddContact(conn *Conn, username string, env *protocol.Envelope) {
	if err := r.store.AddContact(username, env.ContactUsername); err != nil {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeAddContactFailed, Message: "failed to add contact"})
		return
	}

	resp := &protocol.Envelope{Type: protocol.TypeAddContactSuccess}
	if info, err := r.store.UserInfo(env.ContactUsername); err == nil {
		resp.Contact = userToWire(info)
	}
	r.send(conn, resp)
	r.pushContacts(conn, username)
}

func (r *Router) handleCreateGroup(conn *Conn, username string, env *protocol.Envelope) {
	if err := r.store.CreateGroup(env.GroupName, username); err != nil {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeCreateGroupFailed, Message: "failed to create group"})
		return
	}

	r.send(conn, &protocol.Envelope{Type: protocol.TypeCreateGroupSuccess, GroupName: env.GroupName})
	r.pushGroups(conn, username)
}

func (r *Router) handleJoinGroup(conn *Conn, username string, env *protocol.Envelope) {
	if err := r.store.AddUserToGroup(env.GroupName, username); err != nil {
		r.send(conn, &protocol.Envelope{Type: protocol.TypeJoinGroupFailed, Message: "failed to join group"})
		return
	}

	r.send(conn, &protocol.Envelope{Type: protocol.TypeJoinGroupSuccess, GroupName: env.GroupName})
	r.pushGroups(conn, username)
}

// handleAddGroupMembers is partial-failure-tolerant: candidates that are
// empty, not a contact of the inviter, or already members are skipped, and
// the inviter gets back the subset actually added.
func (r *Router) handleAddGroupMembers(conn *Conn, inviter string, env *protocol.Envelope) {
	group := env.GroupName
	added := make([]string, 0, len(env.Members))

	for _, member := range env.Members {
		if member == "" {
			continue
		}
		if ok, err := r.store.IsContact(inviter, member); err != nil || !ok {
			continue
		}
		if ok, err := r.store.IsGroupMember(group, member); err != nil || ok {
			continue
		}
		if err := r.store.AddUserToGroup(group, member); err != nil {
			continue
		}

		added = append(added, member)

		// Tell the new member, if they are online, and refresh their groups.
		if target, ok := r.registry.Lookup(member); ok {
			r.send(target, &protocol.Envelope{
				Type:      protocol.TypeAddedToGroup,
				GroupName: group,
				Inviter:   inviter,
			})
			r.pushGroups(target, member)
		}
	}

	r.send(conn, &protocol.Envelope{
		Type:      protocol.TypeAddGroupMembersResult,
		GroupName: group,
		Members:   added,
	})
	r.pushGroups(conn, inviter)
}

func (r *Router) handleGetHistory(conn *Conn, username string, env *protocol.Envelope) {
	kind := env.MessageType
	if kind == "" {
		kind = "private"
	}

	messages, err := r.store.History(username, env.Target, kind, r.config.HistoryLimit)
	if err != nil {
		r.logger.Error().Err(err).Str("target", env.Target).Msg("history query failed")
		messages = nil
	}

	r.send(conn, &protocol.Envelope{
		Type:        protocol.TypeHistoryMessages,
		Target:      env.Target,
		MessageType: kind,
		Messages:    messagesToWire(messages),
	})
}

// pushContacts sends a fresh contact-list snapshot to conn.
func (r *Router) pushContacts(conn *Conn, username string) {
	contacts, err := r.store.Contacts(username)
	if err != nil {
		r.logger.Error().Err(err).Str("username", username).Msg("failed to load contacts")
		return
	}

	r.send(conn, &protocol.Envelope{
		Type:     protocol.TypeContactsList,
		Contacts: usersToWire(contacts),
	})
}

// pushGroups sends a fresh group-list snapshot to conn.
func (r *Router) pushGroups(conn *Conn, username string) {
	groups, err := r.store.Groups(username)
	if err != nil {
		r.logger.Error().Err(err).Str("username", username).Msg("failed to load groups")
		return
	}

	r.send(conn, &protocol.Envelope{
		Type:   protocol.TypeGroupsList,
		Groups: groupsToWire(groups),
	})
}

// broadcastExcept delivers env to every bound connection except exclude,
// iterating a registry snapshot so concurrent binds never race the loop.
func (r *Router) broadcastExcept(exclude *Conn, env *protocol.Envelope) {
	delivered := 0
	for _, target := range r.registry.Snapshot() {
		if target == exclude {
			continue
		}
		if r.send(target, env) == nil {
			delivered++
		}
	}
	r.metrics.RecordBroadcastFanout(delivered)
}

// send encodes env and queues it on conn. Send failures are connection-local
// and never propagate to the flow that triggered the dispatch.
func (r *Router) send(conn *Conn, env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		r.logger.Error().Err(err).Str("type", env.Type).Msg("failed to encode envelope")
		return err
	}

	if err := conn.Send(payload); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			r.metrics.RecordSendQueueDrop()
		}
		return err
	}

	r.metrics.RecordMessageSent(env.Type)
	return nil
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func wireTimestamp(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(time.RFC3339)
}

func userToWire(u *database.User) *protocol.UserInfo {
	return &protocol.UserInfo{
		Username: u.Username,
		Nickname: u.Nickname,
		Online:   u.Online,
	}
}

func usersToWire(users []*database.User) []protocol.UserInfo {
	wire := make([]protocol.UserInfo, len(users))
	for i, u := range users {
		wire[i] = *userToWire(u)
	}
	return wire
}

func groupsToWire(groups []*database.Group) []protocol.GroupInfo {
	wire := make([]protocol.GroupInfo, len(groups))
	for i, g := range groups {
		wire[i] = protocol.GroupInfo{
			Name:        g.Name,
			Creator:     g.Creator,
			MemberCount: g.MemberCount,
		}
	}
	return wire
}

func messagesToWire(messages []*database.Message) []protocol.ChatMessage {
	wire := make([]protocol.ChatMessage, len(messages))
	for i, m := range messages {
		wire[i] = protocol.ChatMessage{
			ID:        m.ID,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Content:   m.Content,
			Kind:      m.Kind,
			GroupName: m.GroupName,
			Timestamp: wireTimestamp(m.CreatedAt),
		}
	}
	return wire
}
