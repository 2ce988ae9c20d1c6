package chat

import (
	"context"
	"time"

	"chatrelay/logger"
	"chatrelay/service/storage"
	"chatrelay/tools/errs"
	"chatrelay/tools/safe"
	"chatrelay/tools/security"
)

// ServerConf carries the session policies.
type ServerConf struct {
	GatewayID string
	// Empty secret disables token verification on user:authenticate.
	JWTSecret  []byte
	UnauthTTL  time.Duration
	SweepEvery time.Duration
}

// Server is the connection session layer: it owns the per-connection state
// machine and is the only writer of presence entries. Handlers drive it;
// it drives the Presence Directory and the Relay.
type Server struct {
	conf  ServerConf
	mgr   *ConnManager
	dir   storage.Directory
	relay *Relay
	disp  *Dispatcher
}

func NewServer(conf ServerConf, dir storage.Directory, bus Bus) *Server {
	safe.MustNotNil(dir, "presence directory")
	mgr := NewConnManager(ManagerConf{
		UnauthTTL:  conf.UnauthTTL,
		SweepEvery: conf.SweepEvery,
	}, conf.GatewayID)
	s := &Server{
		conf:  conf,
		mgr:   mgr,
		dir:   dir,
		relay: NewRelay(conf.GatewayID, mgr, dir, bus),
		disp:  NewDispatcher(),
	}
	mgr.OnExpire = func(connID string) {
		logger.Infof("[session] auth grace period expired conn=%s", connID)
		s.CloseConn(context.Background(), connID)
	}
	return s
}

func (s *Server) ConnMgr() *ConnManager { return s.mgr }
func (s *Server) Relay() *Relay         { return s.relay }
func (s *Server) Disp() *Dispatcher     { return s.disp }
func (s *Server) GatewayID() string     { return s.conf.GatewayID }

// Authenticate transitions the connection to Authenticated and publishes
// presence. Last authentication wins: a previous connection of the same
// user, local or remote, loses its presence entry; a local one is also
// force-closed since it can never reclaim it.
func (s *Server) Authenticate(ctx context.Context, connID, userID, token string) error {
	if userID == "" {
		return errs.ErrArgs.WrapMsg("userId is required")
	}
	if len(s.conf.JWTSecret) > 0 {
		opts := security.DefaultOptions(s.conf.JWTSecret)
		if err := security.VerifySubject(opts, token, userID); err != nil {
			return errs.ErrTokenInvalid.WrapMsg("", "userId", userID, "cause", err)
		}
	}

	prevLocal, err := s.mgr.MarkAuthenticated(connID, userID)
	if err != nil {
		return err
	}

	entry := storage.Entry{GatewayID: s.conf.GatewayID, ConnID: connID}
	prev, replaced, err := s.dir.SetPresence(ctx, userID, entry)
	if err != nil {
		return errs.ErrStorage.WrapMsg("set presence", "userId", userID, "cause", err)
	}
	if replaced {
		logger.Infof("[session] presence superseded user=%s old=%s/%s new=%s",
			userID, prev.GatewayID, prev.ConnID, connID)
	}
	if prevLocal != nil {
		s.mgr.Remove(prevLocal.ID)
	}
	logger.Infof("[session] authenticated user=%s conn=%s", userID, connID)
	return nil
}

// JoinRoom / LeaveRoom are pure membership mutations, no persistence.
func (s *Server) JoinRoom(connID, roomID string) error {
	return s.mgr.JoinRoom(connID, roomID)
}

func (s *Server) LeaveRoom(connID, roomID string) error {
	return s.mgr.LeaveRoom(connID, roomID)
}

// Heartbeat refreshes both the local expiry and the presence liveness TTL.
func (s *Server) Heartbeat(ctx context.Context, connID string) {
	s.mgr.Touch(connID)
	if w, ok := s.mgr.Get(connID); ok && w.State == StateAuthenticated {
		if err := s.dir.Refresh(ctx, w.UserID, connID); err != nil {
			logger.Warnf("[session] presence refresh failed conn=%s: %v", connID, err)
		}
	}
}

// CloseConn is the terminal transition: purge presence, drop membership,
// close the wire, and tell the rooms this connection sat in that the user
// went offline. Idempotent; safe on unauthenticated connections.
func (s *Server) CloseConn(ctx context.Context, connID string) {
	w, ok := s.mgr.Remove(connID)
	if !ok {
		return
	}

	userID, removed, err := s.dir.RemoveByConnection(ctx, connID)
	if err != nil {
		// presence TTL is the safety net when the store is unreachable here
		logger.Errorf("[session] presence cleanup failed conn=%s: %v", connID, err)
	}

	if w.UserID == "" {
		logger.Infof("[session] closed unauthenticated conn=%s", connID)
		return
	}
	if !removed {
		// superseded earlier: the directory already points at the new conn
		logger.Infof("[session] closed superseded conn=%s user=%s", connID, w.UserID)
		return
	}

	offline := BuildOffline(userID)
	for roomID := range w.Rooms {
		s.relay.RelayToRoom(roomID, offline, connID)
	}
	logger.Infof("[session] closed conn=%s user=%s rooms=%d", connID, userID, len(w.Rooms))
}

// Shutdown stops the sweeper and closes every connection.
func (s *Server) Shutdown() { s.mgr.Close() }
