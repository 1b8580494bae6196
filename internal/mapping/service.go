// Package mapping issues opaque channel identifiers for client identities
// and answers join authorization questions about them.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"sharedstate/server/internal/store"
	"sharedstate/server/internal/util"
)

// ErrMapping is the generic failure surfaced to callers when the backing
// store misbehaves. Details are logged, never exposed.
var ErrMapping = errors.New("mapping persistence failure")

// Store is the persistence surface the mapping service needs.
type Store interface {
	FindUserMapping(ctx context.Context, userID string) (string, error)
	InsertUserMapping(ctx context.Context, userID, channelID string) error
	FindAppMapping(ctx context.Context, appID string) (string, error)
	InsertAppMapping(ctx context.Context, appID, channelID string) error
	FindUserAppMapping(ctx context.Context, userID, appID string) (string, error)
	InsertUserAppMapping(ctx context.Context, userID, appID, channelID string) error
	FindGroupMapping(ctx context.Context, groupID string) (string, error)
	InsertGroupMapping(ctx context.Context, groupID, channelID string) error

	ChannelApp(ctx context.Context, channelID string) (string, error)
	ChannelGroup(ctx context.Context, channelID string) (string, error)
	ChannelOwnerUser(ctx context.Context, channelID string) (string, error)
	ChannelOwnerUserApp(ctx context.Context, channelID string) (string, error)

	ListChannels(ctx context.Context) ([]store.Channel, error)
}

// Provision is invoked for every channel the service knows about: once per
// historical channel at startup, and once whenever a new mapping mints one.
type Provision func(channelID string, isGroup bool)

// Request names the identity fields a client presented and which mapping
// scopes it wants resolved. When no scope flag is set the scopes are
// inferred from the fields: userId+appId resolves the userApp scope, a lone
// userId the user scope, a lone appId the app scope. A groupId is always
// resolved independently.
type Request struct {
	UserID  string
	AppID   string
	GroupID string
	User    bool
	App     bool
	UserApp bool
}

// Result carries one channel id per resolved scope.
type Result struct {
	User    string
	App     string
	UserApp string
	Group   string
}

// Decision is the outcome of a join authorization check.
type Decision struct {
	Allowed bool
	Group   bool
	Reason  string
}

type Service struct {
	store     Store
	provision Provision
	newID     func() string

	mu     sync.Mutex
	issued map[string]struct{}
}

func New(store Store, provision Provision) *Service {
	return &Service{
		store:     store,
		provision: provision,
		newID:     func() string { return util.NewID("") },
		issued:    make(map[string]struct{}),
	}
}

// Start seeds the issued-id registry from every mapping record ever
// persisted and provisions the corresponding channels. Must complete before
// the server accepts connections.
func (s *Service) Start(ctx context.Context) error {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("collect issued channel ids: %w", err)
	}
	s.mu.Lock()
	for _, c := range channels {
		s.issued[c.ID] = struct{}{}
	}
	s.mu.Unlock()
	for _, c := range channels {
		if s.provision != nil {
			s.provision(c.ID, c.Group)
		}
	}
	log.Printf("mapping: restored %d channels", len(channels))
	return nil
}

// LookupOrCreate resolves each requested scope to its channel id, creating
// the mapping record and provisioning the channel on first request.
// Callers must serialize requests for the same identity key through a
// Serializer; the method itself does not deduplicate concurrent creates.
func (s *Service) LookupOrCreate(ctx context.Context, req Request) (Result, error) {
	req = req.normalized()
	var res Result

	if req.User {
		id, err := s.ensure(ctx, false,
			func() (string, error) { return s.store.FindUserMapping(ctx, req.UserID) },
			func(id string) error { return s.store.InsertUserMapping(ctx, req.UserID, id) })
		if err != nil {
			return Result{}, err
		}
		res.User = id
	}
	if req.App {
		id, err := s.ensure(ctx, false,
			func() (string, error) { return s.store.FindAppMapping(ctx, req.AppID) },
			func(id string) error { return s.store.InsertAppMapping(ctx, req.AppID, id) })
		if err != nil {
			return Result{}, err
		}
		res.App = id
	}
	if req.UserApp {
		id, err := s.ensure(ctx, false,
			func() (string, error) { return s.store.FindUserAppMapping(ctx, req.UserID, req.AppID) },
			func(id string) error { return s.store.InsertUserAppMapping(ctx, req.UserID, req.AppID, id) })
		if err != nil {
			return Result{}, err
		}
		res.UserApp = id
	}
	if req.GroupID != "" {
		id, err := s.ensure(ctx, true,
			func() (string, error) { return s.store.FindGroupMapping(ctx, req.GroupID) },
			func(id string) error { return s.store.InsertGroupMapping(ctx, req.GroupID, id) })
		if err != nil {
			return Result{}, err
		}
		res.Group = id
	}
	return res, nil
}

func (s *Service) ensure(ctx context.Context, isGroup bool, find func() (string, error), insert func(id string) error) (string, error) {
	id, err := find()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("mapping: lookup failed: %v", err)
		return "", ErrMapping
	}

	id = s.newChannelID()
	if err := insert(id); err != nil {
		log.Printf("mapping: %v", err)
		return "", ErrMapping
	}
	if s.provision != nil {
		s.provision(id, isGroup)
	}
	return id, nil
}

// newChannelID mints a channel id that has never been issued before,
// retrying generation on registry collision.
func (s *Service) newChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := s.newID()
		if _, taken := s.issued[id]; taken {
			continue
		}
		s.issued[id] = struct{}{}
		return id
	}
}

// CheckAuthorized decides whether userID may join channelID. App and group
// channels admit everyone; group channels are flagged so per-user checks are
// bypassed downstream. User and userApp channels admit only their owner.
// The check order (app, group, user, userApp) is defensive: channel ids are
// globally unique, so at most one lookup can match.
func (s *Service) CheckAuthorized(ctx context.Context, channelID, userID string) (Decision, error) {
	if _, found, err := s.reverse(s.store.ChannelApp(ctx, channelID)); err != nil {
		return Decision{}, err
	} else if found {
		return Decision{Allowed: true}, nil
	}

	if _, found, err := s.reverse(s.store.ChannelGroup(ctx, channelID)); err != nil {
		return Decision{}, err
	} else if found {
		return Decision{Allowed: true, Group: true}, nil
	}

	if owner, found, err := s.reverse(s.store.ChannelOwnerUser(ctx, channelID)); err != nil {
		return Decision{}, err
	} else if found {
		if owner == userID {
			return Decision{Allowed: true}, nil
		}
		return Decision{Reason: fmt.Sprintf("Wrong userId: %s !== %s", owner, userID)}, nil
	}

	if owner, found, err := s.reverse(s.store.ChannelOwnerUserApp(ctx, channelID)); err != nil {
		return Decision{}, err
	} else if found {
		if owner == userID {
			return Decision{Allowed: true}, nil
		}
		return Decision{Reason: fmt.Sprintf("Wrong userApp: %s !== %s", owner, userID)}, nil
	}

	return Decision{Reason: "No userId or userApp"}, nil
}

func (s *Service) reverse(value string, err error) (string, bool, error) {
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	log.Printf("mapping: channel lookup failed: %v", err)
	return "", false, ErrMapping
}

func (r Request) normalized() Request {
	if !r.User && !r.App && !r.UserApp {
		switch {
		case r.UserID != "" && r.AppID != "":
			r.UserApp = true
		case r.UserID != "":
			r.User = true
		case r.AppID != "":
			r.App = true
		}
	}
	// A scope without its identity fields cannot be resolved.
	if r.UserID == "" {
		r.User = false
	}
	if r.AppID == "" {
		r.App = false
	}
	if r.UserID == "" || r.AppID == "" {
		r.UserApp = false
	}
	return r
}
