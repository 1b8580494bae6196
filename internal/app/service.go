// Package app wires the mapping, state and session layers together behind
// the HTTP and websocket surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sharedstate/server/internal/auth"
	"sharedstate/server/internal/authpw"
	"sharedstate/server/internal/config"
	"sharedstate/server/internal/hub"
	"sharedstate/server/internal/mapping"
	"sharedstate/server/internal/state"
	"sharedstate/server/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	JTI          string
	ExpiresAt    time.Time
}

// MappingRequest is the client's channel resolution request. The scope
// flags select which mappings to resolve; without them the scopes are
// inferred from the identity fields.
type MappingRequest struct {
	UserID  string `json:"userId,omitempty"`
	AppID   string `json:"appId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	User    bool   `json:"user,omitempty"`
	App     bool   `json:"app,omitempty"`
	UserApp bool   `json:"userApp,omitempty"`
	Token   string `json:"token,omitempty"`
}

// MappingResponse carries one channel id per resolved scope. The token is
// echoed back so clients can correlate the reply with their request.
type MappingResponse struct {
	User    string `json:"user,omitempty"`
	App     string `json:"app,omitempty"`
	UserApp string `json:"userApp,omitempty"`
	Group   string `json:"group,omitempty"`
	Token   string `json:"token,omitempty"`
}

// JoinRequest is the payload of a join event on the socket.
type JoinRequest struct {
	Channel   string `json:"channel"`
	UserID    string `json:"userId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Token     string `json:"token,omitempty"`
	InitState bool   `json:"initState,omitempty"`
}

// Mapper resolves identities to channels and answers join authorization.
type Mapper interface {
	LookupOrCreate(ctx context.Context, req mapping.Request) (mapping.Result, error)
	CheckAuthorized(ctx context.Context, channelID, userID string) (mapping.Decision, error)
}

// States is the per-channel key/value layer.
type States interface {
	Get(ctx context.Context, channelID string, keys []string) ([]state.Entry, error)
	Apply(ctx context.Context, channelID string, ops []state.Op)
}

// SessionStore holds hashed refresh tokens. Backed by redis when
// configured, by the relational store otherwise.
type SessionStore interface {
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (string, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

// Pinger reports backend connectivity for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	mapper   Mapper
	states   States
	hub      *hub.Hub
	sessions SessionStore
	accounts *authpw.Service
	pinger   Pinger

	userSerial  *mapping.Serializer
	groupSerial *mapping.Serializer
}

func New(cfg config.Config, mapper Mapper, states States, h *hub.Hub, sessions SessionStore, accounts *authpw.Service, pinger Pinger) *Service {
	return &Service{
		cfg:         cfg,
		mapper:      mapper,
		states:      states,
		hub:         h,
		sessions:    sessions,
		accounts:    accounts,
		pinger:      pinger,
		userSerial:  mapping.NewSerializer(),
		groupSerial: mapping.NewSerializer(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

// GetMapping resolves the requested scopes to channel ids. When auth is
// enabled the user identity comes from the caller's session, never from the
// request body; unauthenticated callers may only resolve group channels.
// The user-scoped and group-scoped parts are serialized independently so
// concurrent requests for the same identity cannot race a create.
func (s *Service) GetMapping(ctx context.Context, authedUserID string, req MappingRequest) (MappingResponse, error) {
	if s.cfg.UseAuth {
		if authedUserID != "" {
			req.UserID = authedUserID
		} else if req.GroupID == "" || req.AppID != "" || req.UserID != "" {
			return MappingResponse{}, errors.New("invalid mapping request (1)")
		}
	}

	hasUserPart := req.UserID != "" || req.AppID != ""
	hasGroupPart := req.GroupID != ""
	if !hasUserPart && !hasGroupPart {
		return MappingResponse{}, errors.New("invalid mapping request (2)")
	}

	var wg sync.WaitGroup
	var userRes, groupRes mapping.Result
	var userErr, groupErr error

	if hasUserPart {
		wg.Add(1)
		s.userSerial.Do(req.UserID+"|"+req.AppID, func(done func()) {
			defer done()
			defer wg.Done()
			userRes, userErr = s.mapper.LookupOrCreate(ctx, mapping.Request{
				UserID:  req.UserID,
				AppID:   req.AppID,
				User:    req.User,
				App:     req.App,
				UserApp: req.UserApp,
			})
		})
	}
	if hasGroupPart {
		wg.Add(1)
		s.groupSerial.Do("group:"+req.GroupID, func(done func()) {
			defer done()
			defer wg.Done()
			groupRes, groupErr = s.mapper.LookupOrCreate(ctx, mapping.Request{GroupID: req.GroupID})
		})
	}
	wg.Wait()

	if userErr != nil {
		return MappingResponse{}, userErr
	}
	if groupErr != nil {
		return MappingResponse{}, groupErr
	}

	return MappingResponse{
		User:    userRes.User,
		App:     userRes.App,
		UserApp: userRes.UserApp,
		Group:   groupRes.Group,
		Token:   req.Token,
	}, nil
}

// Join admits the connection to the requested channel after the mapping
// authorization check. Denials and failures are reported privately on the
// connection; a successful join triggers the full protocol sequence.
func (s *Service) Join(ctx context.Context, c *hub.Conn, req JoinRequest) {
	userID := req.UserID
	if s.cfg.UseAuth {
		userID = ""
		if session, err := s.SessionFromToken(ctx, req.Token); err == nil {
			userID = session.UserID
		}
	}

	decision, err := s.mapper.CheckAuthorized(ctx, req.Channel, userID)
	if err != nil {
		c.Send(hub.EventError, "could not verify channel access")
		return
	}
	if !decision.Allowed {
		c.Send(hub.EventError, "not allowed to join due to: "+decision.Reason)
		return
	}

	channel, ok := s.hub.Get(req.Channel)
	if !ok {
		c.Send(hub.EventError, fmt.Sprintf("unknown channel %s", req.Channel))
		return
	}

	joined := map[string]any{
		"channel":         req.Channel,
		"agentId":         req.AgentID,
		"initStateComing": req.InitState,
	}
	channel.Join(c, userID, req.AgentID, joined, req.InitState, func() (any, error) {
		return s.states.Get(ctx, req.Channel, nil)
	})
}

// GetState replies privately with the requested keys (or the full snapshot)
// as a changeState event.
func (s *Service) GetState(ctx context.Context, c *hub.Conn, channelID string, keys []string) {
	s.readState(ctx, c, channelID, keys, hub.EventChangeState)
}

// GetInitState is the late variant of init delivery for clients that joined
// without requesting the snapshot.
func (s *Service) GetInitState(ctx context.Context, c *hub.Conn, channelID string, keys []string) {
	s.readState(ctx, c, channelID, keys, hub.EventInitState)
}

func (s *Service) readState(ctx context.Context, c *hub.Conn, channelID string, keys []string, event string) {
	channel, ok := s.hub.Get(channelID)
	if !ok || !channel.Allowed(c) {
		c.Send(hub.EventError, "not logged in")
		return
	}
	entries, err := s.states.Get(ctx, channelID, keys)
	if err != nil {
		c.Send(hub.EventError, "could not load state")
		return
	}
	c.Send(event, entries)
}

// ChangeState applies the batch to the channel's state and reports whether
// the batch was accepted, so the transport can ack. Rejected batches still
// get a private error before the negative ack.
func (s *Service) ChangeState(ctx context.Context, c *hub.Conn, channelID string, ops []state.Op) bool {
	channel, ok := s.hub.Get(channelID)
	if !ok || !channel.Allowed(c) {
		c.Send(hub.EventError, "not logged in")
		return false
	}
	s.states.Apply(ctx, channelID, ops)
	return true
}

func (s *Service) ChangePresence(c *hub.Conn, channelID, agentID, presence string) {
	channel, ok := s.hub.Get(channelID)
	if !ok {
		c.Send(hub.EventError, fmt.Sprintf("unknown channel %s", channelID))
		return
	}
	if err := channel.ChangePresence(c, agentID, presence); err != nil {
		c.Send(hub.EventError, err.Error())
	}
}

// Leave detaches the connection from one channel, broadcasting its agent
// going offline.
func (s *Service) Leave(c *hub.Conn, channelID string) {
	if channel, ok := s.hub.Get(channelID); ok {
		channel.Disconnect(c)
	}
}

// --- Identity sessions ---

func (s *Service) SignUp(ctx context.Context, userID, password string) error {
	_, err := s.accounts.SignUp(ctx, userID, password)
	return err
}

func (s *Service) SignIn(ctx context.Context, userID, password string) (Session, error) {
	account, err := s.accounts.SignIn(ctx, userID, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account.UserID)
}

// Refresh rotates the refresh token: the presented token is revoked and a
// fresh session is issued in its place.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, userID)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, userID string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub: userID,
		JTI: jti,
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveSession(ctx, auth.HashToken(refresh), userID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       userID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}
