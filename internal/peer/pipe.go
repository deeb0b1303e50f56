package peer

import "sync"

// PipeEnd is an in-process Transport. Frames sent on one end are delivered
// to the link attached to the other end.
type PipeEnd struct {
	mu     sync.Mutex
	remote *PipeEnd
	link   *Link
	closed bool
}

// NewPipe returns two connected ends.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.remote, b.remote = b, a
	return a, b
}

// Attach sets the link that receives frames arriving at this end.
func (e *PipeEnd) Attach(link *Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.link = link
}

func (e *PipeEnd) Send(frame []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	target := e.remote.attached()
	if target == nil {
		return nil
	}
	target.Deliver(append([]byte(nil), frame...))
	return nil
}

func (e *PipeEnd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.remote.mu.Lock()
	alreadyClosed := e.remote.closed
	e.remote.closed = true
	target := e.remote.link
	e.remote.mu.Unlock()
	if !alreadyClosed && target != nil {
		target.TransportClosed()
	}
	return nil
}

func (e *PipeEnd) attached() *Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// ConnectPipe links client to server through an in-process pipe and returns
// the client-side and server-side links. The handshake completes over the
// following updates of both peers.
func ConnectPipe(client, server *Peer) (*Link, *Link) {
	clientEnd, serverEnd := NewPipe()
	serverLink := server.Accept(serverEnd, "pipe:client")
	serverEnd.Attach(serverLink)
	clientLink := client.Connect(clientEnd, "pipe:server")
	clientEnd.Attach(clientLink)
	return clientLink, serverLink
}
