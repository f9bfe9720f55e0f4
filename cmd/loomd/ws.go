package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/Comcast/loom/core"
	"github.com/Comcast/loom/match"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn is one WebSocket client: a buffered outbound queue and the
// client's event subscriptions.
type wsConn struct {
	c   *websocket.Conn
	out chan interface{}

	mu   sync.Mutex
	subs map[string]interface{} // subscription id -> pattern
}

// send queues a message for the writer.  A slow consumer drops
// messages rather than blocking the service.
func (c *wsConn) send(x interface{}) {
	select {
	case c.out <- x:
	default:
	}
}

// announce forwards an engine event if any subscription matches.
// fact is the event as unmarshaled JSON, which is the shape the match
// package wants.
func (c *wsConn) announce(ev *core.Event, fact interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pattern := range c.subs {
		if pattern == nil {
			c.send(ev)
			return
		}
		bss, err := match.Match(pattern, fact, nil)
		if err != nil || bss == nil {
			continue
		}
		c.send(ev)
		return
	}
}

func (c *wsConn) subscribe(op *Op) {
	id := op.Subscribe.Id
	if id == "" {
		id = core.Gensym(16)
	}

	c.mu.Lock()
	c.subs[id] = op.Subscribe.Pattern
	c.mu.Unlock()

	op.Result = map[string]interface{}{"id": id}
}

func (c *wsConn) unsubscribe(op *Op) {
	c.mu.Lock()
	_, have := c.subs[op.Unsubscribe.Id]
	delete(c.subs, op.Unsubscribe.Id)
	c.mu.Unlock()

	if !have {
		op.Error, op.Err = erred(fmt.Errorf("no subscription %q", op.Unsubscribe.Id))
	}
}

// WebSocketService registers the /ws/api handler.  A connection
// speaks the same Op protocol as TCP, and it can additionally
// Subscribe to engine announcements.
func (s *Service) WebSocketService(ctx context.Context) error {

	var upgrader = websocket.Upgrader{} // use default options

	conns := sync.Map{}

	events := make(chan *core.Event, 1024)
	s.AddSink(events)

	// Forward announcements to every connection with a matching
	// subscription.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				var fact interface{}
				if js, err := json.Marshal(ev); err == nil {
					if err = json.Unmarshal(js, &fact); err != nil {
						continue
					}
				}
				conns.Range(func(_, v interface{}) bool {
					v.(*wsConn).announce(ev, fact)
					return true
				})
			}
		}
	}()

	api := func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("websocket upgrade", zap.Error(err))
			return
		}
		defer c.Close()

		conn := &wsConn{
			c:    c,
			out:  make(chan interface{}, 32),
			subs: make(map[string]interface{}),
		}

		id := c.RemoteAddr().String()
		conns.Store(id, conn)
		defer conns.Delete(id)

		s.logger.Info("websocket connection", zap.String("client", id))

		done := make(chan struct{})
		defer close(done)

		go func() {
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case x := <-conn.out:
					js, err := json.Marshal(&x)
					if err != nil {
						s.logger.Warn("websocket marshal", zap.Error(err))
						continue
					}
					if err = c.WriteMessage(websocket.TextMessage, js); err != nil {
						return
					}
				}
			}
		}()

		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				break
			}

			var op Op
			if err := json.Unmarshal(message, &op); err != nil {
				conn.send(map[string]interface{}{"err": err.Error()})
				continue
			}

			switch {
			case op.Subscribe != nil:
				conn.subscribe(&op)
			case op.Unsubscribe != nil:
				conn.unsubscribe(&op)
			default:
				// The op carries its own error in Err.
				op.Do(ctx, s)
			}

			conn.send(&op)
		}
	}

	http.HandleFunc("/ws/api", api)

	return nil
}
