package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/tools/errs"
	"chatrelay/tools/safe"
)

// ===== config =====

type ManagerConf struct {
	UnauthTTL  time.Duration    // grace period before a never-authenticated conn is closed
	SweepEvery time.Duration    // sweeper interval
	Clock      func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
}

// ===== data =====

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Wire is the write half of a transport connection. *websocket.Conn
// satisfies it; tests inject fakes.
type Wire interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WsConn is one transport connection. All fields are guarded by the
// manager's lock; handlers only touch it through manager methods.
type WsConn struct {
	ID     string
	UserID string // empty until authenticated
	State  State
	Rooms  map[string]struct{}

	Conn Wire

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpireAt  time.Time // only enforced while StateConnecting

	writeMu sync.Mutex // serializes wire writes across handler goroutines
}

// ===== manager =====

// ConnManager owns Connection and RoomMembership state for this gateway:
// byConn is the primary index, byUser the local single-session index, rooms
// the membership fan-out index. All three mutate under one lock so a
// connection can never be half-indexed.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*WsConn
	byUser map[string]*WsConn
	rooms  map[string]map[string]*WsConn // roomID -> connID -> conn

	conf     ManagerConf
	gwID     string
	stopOnce sync.Once
	stopCh   chan struct{}

	// OnExpire is invoked (outside the lock) for every connection the
	// sweeper evicts, so the session layer can run its close path.
	OnExpire func(connID string)
}

func NewConnManager(conf ManagerConf, gwID string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn: make(map[string]*WsConn),
		byUser: make(map[string]*WsConn),
		rooms:  make(map[string]map[string]*WsConn),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	safe.Go(m.sweeper)
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.byConn {
		closeQuiet(w.Conn)
		w.State = StateClosed
	}
	m.byConn = map[string]*WsConn{}
	m.byUser = map[string]*WsConn{}
	m.rooms = map[string]map[string]*WsConn{}
}

// AddUnauth registers a fresh connection in StateConnecting.
func (m *ConnManager) AddUnauth(connID string, conn Wire) (*WsConn, error) {
	if connID == "" || conn == nil {
		return nil, errs.ErrArgs.WrapMsg("connID/conn empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[connID]; exists {
		return nil, errs.ErrArgs.WrapMsg("connID exists", "connID", connID)
	}
	w := &WsConn{
		ID:        connID,
		State:     StateConnecting,
		Rooms:     make(map[string]struct{}),
		Conn:      conn,
		CreatedAt: now,
		UpdatedAt: now,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
	}
	m.byConn[connID] = w
	return w, nil
}

func (m *ConnManager) Get(connID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byConn[connID]
	return w, ok
}

func (m *ConnManager) GetByUser(userID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byUser[userID]
	return w, ok
}

// State reports the lifecycle state of a connection; Closed for unknown ids.
func (m *ConnManager) State(connID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.byConn[connID]; ok {
		return w.State
	}
	return StateClosed
}

// MarkAuthenticated transitions Connecting -> Authenticated. Idempotent for
// the same user; re-authentication as a different user moves the user index.
// Returns the local connection this user previously held, if any, so the
// caller can force-close it (last authentication wins).
func (m *ConnManager) MarkAuthenticated(connID, userID string) (prev *WsConn, err error) {
	if connID == "" || userID == "" {
		return nil, errs.ErrArgs.WrapMsg("connID/userID empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok {
		return nil, errs.ErrConnNotFound.WrapMsg("", "connID", connID)
	}
	if w.State == StateClosed {
		return nil, errs.ErrBadState.WrapMsg("authenticate on closed connection", "connID", connID)
	}
	if w.State == StateAuthenticated && w.UserID == userID {
		w.UpdatedAt = now // re-auth is a no-op beyond refreshing presence
		return nil, nil
	}
	if w.State == StateAuthenticated && w.UserID != userID {
		if cur := m.byUser[w.UserID]; cur == w {
			delete(m.byUser, w.UserID)
		}
	}

	if old := m.byUser[userID]; old != nil && old != w {
		prev = old
	}
	m.byUser[userID] = w
	w.UserID = userID
	w.State = StateAuthenticated
	w.UpdatedAt = now
	return prev, nil
}

// JoinRoom adds connection-scoped room membership. Authenticated only.
func (m *ConnManager) JoinRoom(connID, roomID string) error {
	if roomID == "" {
		return errs.ErrArgs.WrapMsg("roomID empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok {
		return errs.ErrConnNotFound.WrapMsg("", "connID", connID)
	}
	if w.State != StateAuthenticated {
		return errs.ErrBadState.WrapMsg("join requires authenticated connection",
			"connID", connID, "state", w.State.String())
	}
	w.Rooms[roomID] = struct{}{}
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]*WsConn)
	}
	m.rooms[roomID][connID] = w
	return nil
}

func (m *ConnManager) LeaveRoom(connID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok {
		return errs.ErrConnNotFound.WrapMsg("", "connID", connID)
	}
	if w.State != StateAuthenticated {
		return errs.ErrBadState.WrapMsg("leave requires authenticated connection",
			"connID", connID, "state", w.State.String())
	}
	delete(w.Rooms, roomID)
	m.removeFromRoomLocked(roomID, connID)
	return nil
}

// RoomMembers snapshots the connections currently joined to a room.
func (m *ConnManager) RoomMembers(roomID string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.rooms[roomID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*WsConn, 0, len(mm))
	for _, w := range mm {
		out = append(out, w)
	}
	return out
}

// Remove detaches the connection from every index, marks it Closed and
// closes the wire. Returns the record (with its final room set) so the
// session layer can emit offline notifications. Idempotent.
func (m *ConnManager) Remove(connID string) (*WsConn, bool) {
	m.mu.Lock()
	w, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.byConn, connID)
	if w.UserID != "" {
		if cur := m.byUser[w.UserID]; cur == w {
			delete(m.byUser, w.UserID)
		}
	}
	for roomID := range w.Rooms {
		m.removeFromRoomLocked(roomID, connID)
	}
	w.State = StateClosed
	m.mu.Unlock()

	closeQuiet(w.Conn)
	return w, true
}

// Touch refreshes the unauth expiry on heartbeat.
func (m *ConnManager) Touch(connID string) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byConn[connID]; ok {
		w.UpdatedAt = now
		if w.State == StateConnecting {
			w.ExpireAt = now.Add(m.conf.UnauthTTL)
		}
	}
}

// Send writes one frame to a connection with a write deadline.
func (m *ConnManager) Send(connID string, data []byte) error {
	m.mu.RLock()
	w, ok := m.byConn[connID]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrConnNotFound.WrapMsg("", "connID", connID)
	}
	return w.write(data)
}

// SendToUser writes to the user's live local connection, if any.
func (m *ConnManager) SendToUser(userID string, data []byte) error {
	m.mu.RLock()
	w, ok := m.byUser[userID]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrConnNotFound.WrapMsg("", "userID", userID)
	}
	return w.write(data)
}

func (w *WsConn) write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

// must hold m.mu
func (m *ConnManager) removeFromRoomLocked(roomID, connID string) {
	if mm := m.rooms[roomID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// ===== sweeper =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []string

	m.mu.RLock()
	for id, w := range m.byConn {
		if w.State == StateConnecting && now.After(w.ExpireAt) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if m.OnExpire != nil {
			m.OnExpire(id)
		} else {
			m.Remove(id)
		}
	}
}

func closeQuiet(c Wire) {
	if c != nil {
		_ = c.Close()
	}
}
