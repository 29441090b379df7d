// Package sockets wraps dashboard websocket connections so several goroutines
// may write to one connection.
package sockets

import (
	"sync"

	"github.com/fasthttp/websocket"
)

type SocketID string

type Socket interface {
	ReadJSON(message any) error
	WriteJSON(message any) error
	Close() error
}

type socketImpl struct {
	ws *websocket.Conn
	// reads happen on one goroutine only; writes come from the push loop and
	// the read loop's replies.
	writeMx sync.Mutex
}

func NewSocket(ws *websocket.Conn) Socket {
	return &socketImpl{ws: ws}
}

func (s *socketImpl) Close() error {
	return s.ws.Close()
}

func (s *socketImpl) WriteJSON(message any) error {
	s.writeMx.Lock()
	defer s.writeMx.Unlock()
	return s.ws.WriteJSON(message)
}

func (s *socketImpl) ReadJSON(message any) error {
	return s.ws.ReadJSON(message)
}
