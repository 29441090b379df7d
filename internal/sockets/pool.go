package sockets

import (
	"sync"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
)

// SocketPool tracks the open dashboard connections so they can be closed on
// shutdown.
type SocketPool struct {
	mutex   sync.Mutex
	sockets map[SocketID]Socket
}

func NewSocketPool() *SocketPool {
	return &SocketPool{
		sockets: make(map[SocketID]Socket),
	}
}

// AddSocket registers soc under id, closing a previous socket with that id.
func (p *SocketPool) AddSocket(id SocketID, soc Socket) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if oldConn, contains := p.sockets[id]; contains {
		_ = oldConn.Close()
	} else {
		metrics.ActiveWebSocketConnections.Inc()
	}
	p.sockets[id] = soc
}

// CloseSocket closes and forgets id if it still maps to soc.
func (p *SocketPool) CloseSocket(id SocketID, soc Socket) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if conn, contains := p.sockets[id]; contains && conn == soc {
		_ = conn.Close()
		delete(p.sockets, id)
		metrics.ActiveWebSocketConnections.Dec()
	}
}

func (p *SocketPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sockets)
}

func (p *SocketPool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id, conn := range p.sockets {
		_ = conn.Close()
		delete(p.sockets, id)
		metrics.ActiveWebSocketConnections.Dec()
	}
}
