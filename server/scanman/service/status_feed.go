package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonlog "extapi/server/common/log"
	"extapi/server/common/transport/httpresp"
	"extapi/server/scanman/repository"
)

type StatusSubscriber interface {
	Subscribe(ctx context.Context, tenantID string) (repository.StatusSubscription, error)
}

// StatusFeed relays a tenant's scan-status channel to its websocket
// clients. One Redis subscription is shared by all clients of a tenant.
type StatusFeed struct {
	subscriber StatusSubscriber
	mu         sync.RWMutex
	tenants    map[string]*feedState
}

type feedState struct {
	conns  map[*websocket.Conn]struct{}
	cancel context.CancelFunc
}

func NewStatusFeed(subscriber StatusSubscriber) *StatusFeed {
	return &StatusFeed{subscriber: subscriber, tenants: map[string]*feedState{}}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// HandleWS upgrades the request and streams status changes until the client
// goes away. Client frames are read only to notice the close.
func (f *StatusFeed) HandleWS(c *gin.Context, tenantID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err := f.join(tenantID, conn); err != nil {
		writeWSError(conn, "status feed unavailable")
		_ = conn.Close()
		return
	}
	defer f.leave(tenantID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *StatusFeed) join(tenantID string, conn *websocket.Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.tenants[tenantID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := f.subscriber.Subscribe(ctx, tenantID)
		if err != nil {
			cancel()
			return err
		}
		state = &feedState{conns: map[*websocket.Conn]struct{}{}, cancel: cancel}
		f.tenants[tenantID] = state
		go f.relay(ctx, tenantID, state, sub)
	}
	state.conns[conn] = struct{}{}
	return nil
}

func (f *StatusFeed) leave(tenantID string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.tenants[tenantID]; ok {
		if _, member := state.conns[conn]; !member {
			_ = conn.Close()
			return
		}
		delete(state.conns, conn)
		if len(state.conns) == 0 {
			state.cancel()
			delete(f.tenants, tenantID)
		}
	}
	_ = conn.Close()
}

// relay forwards channel messages until ctx ends. If the subscription fails
// first, the tenant's clients are disconnected so the next join subscribes
// again.
func (f *StatusFeed) relay(ctx context.Context, tenantID string, owner *feedState, sub repository.StatusSubscription) {
	defer sub.Close()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				commonlog.Warnf("event=scan_status_feed status=receive_failed tenant_id=%s error=%v", tenantID, err)
				f.drop(tenantID, owner)
			}
			return
		}
		f.mu.RLock()
		state := f.tenants[tenantID]
		if state != nil {
			for conn := range state.conns {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
			}
		}
		f.mu.RUnlock()
	}
}

func (f *StatusFeed) drop(tenantID string, owner *feedState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenants[tenantID] != owner {
		return
	}
	owner.cancel()
	for conn := range owner.conns {
		writeWSError(conn, "status feed interrupted")
		_ = conn.Close()
	}
	delete(f.tenants, tenantID)
}

// Close disconnects every client.
func (f *StatusFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tenantID, state := range f.tenants {
		state.cancel()
		for conn := range state.conns {
			_ = conn.Close()
		}
		delete(f.tenants, tenantID)
	}
}

// Clients returns the number of connected clients of a tenant.
func (f *StatusFeed) Clients(tenantID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if state, ok := f.tenants[tenantID]; ok {
		return len(state.conns)
	}
	return 0
}

func writeWSError(conn *websocket.Conn, message string) {
	b, _ := json.Marshal(gin.H{"type": "error", "error": message})
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
