package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrelay/logger"
	"chatrelay/tools/ids"
	"chatrelay/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit    = 1 << 20 // 1MB
	pongWait     = 75 * time.Second
	pingInterval = 25 * time.Second
)

// HandleWS runs one connection: upgrade, register as unauthenticated, pump
// frames through the dispatcher, and tear the session down on exit. One
// goroutine per connection; a handler error never kills the server, only
// (at worst) this connection.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	connID := ids.GenerateString()
	rec, err := s.mgr.AddUnauth(connID, ws)
	if err != nil {
		logger.Errorf("[ws] register conn error: %v", err)
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.mgr.Touch(connID)
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// keepalive pings; stops when the read loop exits and closes the conn
	safe.Go(func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for range t.C {
			if s.mgr.State(connID) == StateClosed {
				return
			}
			_ = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	})

	if err := s.mgr.Send(connID, BuildConnAck(connID, s.conf.GatewayID).Encode()); err != nil {
		logger.Infof("[ws] conn ack failed conn=%s: %v", connID, err)
	}

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", connID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s", connID)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", connID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] parse err conn=%s err=%v sample=%q", connID, perr, sample)
			continue
		}

		h := s.disp.GetHandler(f.Event)
		if h == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		if herr := h.Handle(ctx, s, f, rec); herr != nil {
			logger.Warnf("[ws] handler err conn=%s event=%s: %v", connID, f.Event, herr)
			_ = s.mgr.Send(connID, BuildError(errMessage(herr)).Encode())
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.CloseConn(ctx, connID)
	cancel()
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
