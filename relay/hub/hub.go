// Package hub is the in-memory relay fabric. It pairs the websocket peers of
// one user, correlates request/response frames by id, fans out multi-dispatch
// requests, and writes thread state through to the store.
//
// All routing state lives behind a single mutex. Critical sections stay
// short; frame sends happen after the lock is released.
package hub

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitsh/orbit-relay/observability"
	"github.com/orbitsh/orbit-relay/store"
)

// Role is the peer class a websocket registered as.
type Role = observability.Role

const (
	RoleClient = observability.RoleClient
	RoleAnchor = observability.RoleAnchor
)

// Defaults for replay and fan-out.
const (
	DefaultReplayLimit          = 100
	DefaultMultiDispatchTimeout = 15 * time.Second
)

// Peer is one connected websocket. Implementations must be comparable (the
// hub keys its tables by peer identity) and must tolerate concurrent sends.
type Peer interface {
	SendText(data string) error
	CloseWithStatus(code int, text string) error
}

// AnchorMeta is what an anchor announced about itself in anchor.hello.
type AnchorMeta struct {
	ID          string
	Hostname    string
	Platform    string
	ConnectedAt string
}

// Config tunes the hub.
type Config struct {
	Store                *store.Store
	Logger               *zap.Logger
	Observer             observability.RelayObserver
	ReplayLimit          int
	MultiDispatchTimeout time.Duration
}

// DefaultConfig returns the hub defaults; Store must be set by the caller.
func DefaultConfig() Config {
	return Config{
		ReplayLimit:          DefaultReplayLimit,
		MultiDispatchTimeout: DefaultMultiDispatchTimeout,
	}
}

type threadKey struct{ userID, threadID string }
type anchorKey struct{ userID, anchorID string }
type clientKey struct{ userID, clientID string }

// pendingKey correlates a response frame: the peer it will arrive on plus the
// request id it will carry.
type pendingKey struct {
	peer       Peer
	requestKey string
}

// Hub routes frames between the clients and anchors of each user.
type Hub struct {
	cfg Config
	log *zap.Logger
	obs observability.RelayObserver
	db  *store.Store

	mu sync.Mutex

	clientThreads map[Peer]map[string]struct{}
	anchorThreads map[Peer]map[string]struct{}
	userOf        map[Peer]string
	clientsByUser map[string]map[Peer]struct{}
	anchorsByUser map[string]map[Peer]struct{}

	anchorMeta map[Peer]AnchorMeta
	anchorByID map[anchorKey]Peer
	anchorIDOf map[Peer]string
	clientByID map[clientKey]Peer
	clientIDOf map[Peer]string

	clientsByThread map[threadKey]map[Peer]struct{}
	anchorsByThread map[threadKey]map[Peer]struct{}
	threadAnchor    map[threadKey]string

	// pendingClient maps (anchor peer, request id) to the client that sent
	// the request; pendingAnchor is the mirror for anchor-originated RPCs.
	pendingClient  map[pendingKey]Peer
	pendingAnchor  map[pendingKey]Peer
	dispatches     map[dispatchKey]*dispatch
	dispatchRoutes map[pendingKey]dispatchRoute
}

// New validates the config and returns a ready hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = DefaultReplayLimit
	}
	if cfg.MultiDispatchTimeout <= 0 {
		cfg.MultiDispatchTimeout = DefaultMultiDispatchTimeout
	}
	return &Hub{
		cfg: cfg,
		log: cfg.Logger,
		obs: cfg.Observer,
		db:  cfg.Store,

		clientThreads: make(map[Peer]map[string]struct{}),
		anchorThreads: make(map[Peer]map[string]struct{}),
		userOf:        make(map[Peer]string),
		clientsByUser: make(map[string]map[Peer]struct{}),
		anchorsByUser: make(map[string]map[Peer]struct{}),

		anchorMeta: make(map[Peer]AnchorMeta),
		anchorByID: make(map[anchorKey]Peer),
		anchorIDOf: make(map[Peer]string),
		clientByID: make(map[clientKey]Peer),
		clientIDOf: make(map[Peer]string),

		clientsByThread: make(map[threadKey]map[Peer]struct{}),
		anchorsByThread: make(map[threadKey]map[Peer]struct{}),
		threadAnchor:    make(map[threadKey]string),

		pendingClient:  make(map[pendingKey]Peer),
		pendingAnchor:  make(map[pendingKey]Peer),
		dispatches:     make(map[dispatchKey]*dispatch),
		dispatchRoutes: make(map[pendingKey]dispatchRoute),
	}, nil
}

var errMissingStore = errors.New("hub: missing store")

// Register adds a connected peer. A client presenting a clientId evicts any
// previous connection holding the same identity.
func (h *Hub) Register(p Peer, role Role, userID, clientID string) {
	var replaced Peer
	var sends []outbound

	h.mu.Lock()
	h.userOf[p] = userID
	byUser := h.clientsByUser
	if role == RoleAnchor {
		byUser = h.anchorsByUser
	}
	if byUser[userID] == nil {
		byUser[userID] = make(map[Peer]struct{})
	}
	byUser[userID][p] = struct{}{}

	if role == RoleClient && clientID != "" {
		key := clientKey{userID, clientID}
		if existing, ok := h.clientByID[key]; ok && existing != p {
			sends = append(sends, h.removeLocked(existing, RoleClient)...)
			replaced = existing
		}
		h.clientByID[key] = p
		h.clientIDOf[p] = clientID
	}

	if role == RoleClient {
		h.clientThreads[p] = make(map[string]struct{})
	} else {
		h.anchorThreads[p] = make(map[string]struct{})
	}
	clients, anchors := len(h.clientThreads), len(h.anchorThreads)
	h.mu.Unlock()

	flush(sends)
	if replaced != nil {
		_ = replaced.CloseWithStatus(1000, "Replaced by newer connection")
		h.obs.Replaced(RoleClient)
	}

	h.obs.Registered(role)
	h.obs.ConnCount(RoleClient, clients)
	h.obs.ConnCount(RoleAnchor, anchors)
	h.log.Debug("peer registered", zap.String("role", string(role)), zap.String("user", userID))

	h.sendJSON(p, map[string]any{
		"type": "orbit.hello",
		"role": string(role),
		"ts":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Unregister removes a peer and notifies the user's clients when a known
// anchor goes away.
func (h *Hub) Unregister(p Peer, role Role) {
	h.mu.Lock()
	sends := h.removeLocked(p, role)
	clients, anchors := len(h.clientThreads), len(h.anchorThreads)
	h.mu.Unlock()

	flush(sends)
	h.obs.ConnCount(RoleClient, clients)
	h.obs.ConnCount(RoleAnchor, anchors)
}

// Counts reports the current connected peer totals.
func (h *Hub) Counts() (clients, anchors int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clientThreads), len(h.anchorThreads)
}

// removeLocked strips every table entry referring to the peer and returns the
// broadcasts the caller must flush after unlocking.
func (h *Hub) removeLocked(p Peer, role Role) []outbound {
	var sends []outbound
	userID, hadUser := h.userOf[p]
	delete(h.userOf, p)

	source, byUser, threadMap := h.clientThreads, h.clientsByUser, h.clientsByThread
	if role == RoleAnchor {
		source, byUser, threadMap = h.anchorThreads, h.anchorsByUser, h.anchorsByThread
	}

	if hadUser {
		if set := byUser[userID]; set != nil {
			delete(set, p)
			if len(set) == 0 {
				delete(byUser, userID)
			}
		}
	}

	threads := source[p]
	delete(source, p)
	for threadID := range threads {
		if !hadUser {
			continue
		}
		key := threadKey{userID, threadID}
		if set := threadMap[key]; set != nil {
			delete(set, p)
			if len(set) == 0 {
				delete(threadMap, key)
			}
		}
	}

	if role == RoleClient {
		if clientID, ok := h.clientIDOf[p]; ok {
			delete(h.clientIDOf, p)
			if hadUser && h.clientByID[clientKey{userID, clientID}] == p {
				delete(h.clientByID, clientKey{userID, clientID})
			}
		}
	} else {
		if anchorID, ok := h.anchorIDOf[p]; ok {
			delete(h.anchorIDOf, p)
			if hadUser && h.anchorByID[anchorKey{userID, anchorID}] == p {
				delete(h.anchorByID, anchorKey{userID, anchorID})
				for key, bound := range h.threadAnchor {
					if key.userID == userID && bound == anchorID {
						delete(h.threadAnchor, key)
						if err := h.db.SetThreadAnchor(userID, key.threadID, ""); err != nil {
							h.log.Warn("clear thread anchor", zap.Error(err))
						}
					}
				}
			}
		}
		if meta, ok := h.anchorMeta[p]; ok {
			delete(h.anchorMeta, p)
			if hadUser {
				payload := mustJSON(map[string]any{
					"type":     "orbit.anchor-disconnected",
					"anchorId": meta.ID,
				})
				for client := range h.clientsByUser[userID] {
					sends = append(sends, outbound{client, payload})
				}
			}
		}
	}

	for key, target := range h.pendingClient {
		if key.peer == p || target == p {
			delete(h.pendingClient, key)
		}
	}
	for key, target := range h.pendingAnchor {
		if key.peer == p || target == p {
			delete(h.pendingAnchor, key)
		}
	}
	for key, agg := range h.dispatches {
		if key.requester == p {
			agg.stopTimerLocked()
			delete(h.dispatches, key)
		}
	}
	for key, route := range h.dispatchRoutes {
		if key.peer == p || route.key.requester == p {
			delete(h.dispatchRoutes, key)
		}
	}

	return sends
}

// bindThreadAnchorLocked writes the sticky binding through to storage before
// updating the memo, so a crash leaves at worst a stale memo.
func (h *Hub) bindThreadAnchorLocked(userID, threadID, anchorID string) {
	if err := h.db.SetThreadAnchor(userID, threadID, anchorID); err != nil {
		h.log.Warn("persist thread anchor", zap.Error(err))
	}
	h.threadAnchor[threadKey{userID, threadID}] = anchorID
}

// outbound is a frame staged under the lock and sent after release.
type outbound struct {
	peer Peer
	data string
}

func flush(sends []outbound) {
	for _, s := range sends {
		_ = s.peer.SendText(s.data)
	}
}

func (h *Hub) sendJSON(p Peer, v any) {
	_ = p.SendText(mustJSON(v))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // payloads are maps of marshalable values
	}
	return string(b)
}

func newHexID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
