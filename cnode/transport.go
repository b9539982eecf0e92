package cnode

import (
	"fmt"
	"sync"

	"github.com/mit-dci/cred/cnutil"
)

// Transport moves framed messages between direct neighbors.  The node
// assumes ordered at-least-once delivery per neighbor; duplicates are
// fine, reordering within one neighbor is not.
type Transport interface {
	Send(peer cnutil.PeerId, msg []byte) error
	SetReceiver(rcv func(peer cnutil.PeerId, msg []byte))
}

// PipeHub connects PipeTransports in-process: the demo mesh and the
// tests run whole multi-node networks this way.
type PipeHub struct {
	mtx   sync.Mutex
	ports map[cnutil.PeerId]*PipeTransport
}

func NewPipeHub() *PipeHub {
	return &PipeHub{ports: make(map[cnutil.PeerId]*PipeTransport)}
}

// Attach creates the transport endpoint for one node id.
func (h *PipeHub) Attach(id cnutil.PeerId) *PipeTransport {
	pt := &PipeTransport{
		hub:  h,
		id:   id,
		in:   make(chan pipeMsg, 256),
		quit: make(chan struct{}),
	}
	go pt.deliverLoop()
	h.mtx.Lock()
	h.ports[id] = pt
	h.mtx.Unlock()
	return pt
}

// Stop tears down every endpoint.
func (h *PipeHub) Stop() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for id, pt := range h.ports {
		close(pt.quit)
		delete(h.ports, id)
	}
}

type pipeMsg struct {
	from cnutil.PeerId
	b    []byte
}

// PipeTransport is one node's in-process endpoint.  A single FIFO queue
// keeps per-sender ordering; the delivery goroutine applies backpressure
// the way a real socket would.
type PipeTransport struct {
	hub *PipeHub
	id  cnutil.PeerId

	rcvMtx sync.Mutex
	rcv    func(peer cnutil.PeerId, msg []byte)

	in   chan pipeMsg
	quit chan struct{}
}

func (pt *PipeTransport) SetReceiver(rcv func(peer cnutil.PeerId, msg []byte)) {
	pt.rcvMtx.Lock()
	pt.rcv = rcv
	pt.rcvMtx.Unlock()
}

func (pt *PipeTransport) Send(peer cnutil.PeerId, msg []byte) error {
	pt.hub.mtx.Lock()
	dest, ok := pt.hub.ports[peer]
	pt.hub.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no transport endpoint for %s", peer.Short())
	}
	b := make([]byte, len(msg))
	copy(b, msg)
	select {
	case dest.in <- pipeMsg{from: pt.id, b: b}:
		return nil
	case <-dest.quit:
		return fmt.Errorf("endpoint %s is down", peer.Short())
	}
}

func (pt *PipeTransport) deliverLoop() {
	for {
		select {
		case m := <-pt.in:
			pt.rcvMtx.Lock()
			rcv := pt.rcv
			pt.rcvMtx.Unlock()
			if rcv != nil {
				rcv(m.from, m.b)
			}
		case <-pt.quit:
			return
		}
	}
}
