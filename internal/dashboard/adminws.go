package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader mirrors the permissive origin policy used for the teacher's
// local-only dev websocket; admin-ws is expected behind an operator's own
// reverse proxy/ACL, same as the dashboard TUI's terminal trust boundary.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const adminWSPingInterval = 30 * time.Second

// AdminWS is the gorilla/websocket push endpoint of SPEC_FULL §2.1.15 /
// §4.11: any browser tab that connects to /admin/ws receives the same
// Snapshot JSON the TUI renders, broadcast on every tick. Grounded on the
// upgrade/per-connection-writer/ping-ticker idiom the teacher used for its
// player-facing websocket handling.
type AdminWS struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Snapshot
}

// NewAdminWS creates an empty hub.
func NewAdminWS() *AdminWS {
	return &AdminWS{clients: make(map[*websocket.Conn]chan Snapshot)}
}

// ServeHTTP upgrades the connection and starts a per-connection writer
// goroutine that pushes every Broadcast call and pings on a ticker.
func (a *AdminWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin-ws: upgrade failed: %v", err)
		return
	}

	ch := make(chan Snapshot, 4)
	a.mu.Lock()
	a.clients[conn] = ch
	a.mu.Unlock()

	go a.writeLoop(conn, ch)
}

func (a *AdminWS) writeLoop(conn *websocket.Conn, ch chan Snapshot) {
	ticker := time.NewTicker(adminWSPingInterval)
	defer ticker.Stop()
	defer a.drop(conn)
	defer conn.Close()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *AdminWS) drop(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.clients[conn]; ok {
		close(ch)
		delete(a.clients, conn)
	}
}

// Broadcast pushes snap to every connected admin tab. Best-effort: a
// client whose buffer is full just misses this tick's update, matching
// §9.1's "best-effort" observability policy.
func (a *AdminWS) Broadcast(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.clients {
		select {
		case ch <- snap:
		default:
		}
	}
}

// marshalForLog is used only by tests/diagnostics to confirm the wire
// shape without standing up a real socket.
func marshalForLog(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}
