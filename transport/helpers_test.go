package transport

import (
	"sync"
	"time"

	"github.com/opd-ai/dualnet/config"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func testOptions() Options {
	cfg := config.Default().Transport
	cfg.MaxPacketSize = 1024
	cfg.MaxBufferSize = 4096
	cfg.LivenessInterval = 20 * time.Millisecond
	cfg.ConnectAttemptTimeout = 100 * time.Millisecond
	return Options{Config: cfg}
}

// recorder collects callback events for assertions.
type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	packets     [][]byte
	conns       []Conn
}

func (r *recorder) serverCallbacks() ServerCallbacks {
	return ServerCallbacks{
		OnConnect: func(c Conn) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
			r.conns = append(r.conns, c)
		},
		OnDisconnect: func(Conn) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnPacket: func(_ Conn, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.packets = append(r.packets, data)
		},
	}
}

func (r *recorder) clientCallbacks() ClientCallbacks {
	return ClientCallbacks{
		OnConnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnDisconnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnPacket: func(data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.packets = append(r.packets, data)
		},
	}
}

func (r *recorder) counts() (connects, disconnects, packets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects, len(r.packets)
}

func (r *recorder) packet(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets[i]
}

func (r *recorder) firstConn() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[0]
}
