package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tcpLink runs the send and receive loops of one TCP connection.
type tcpLink struct {
	conn     net.Conn
	queue    *SendQueue
	opts     Options
	session  uuid.UUID
	seen     lastSeen
	onPacket func([]byte)
	log      *logrus.Entry

	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newTCPLink(conn net.Conn, opts Options, component string, onPacket func([]byte)) *tcpLink {
	session := uuid.New()
	l := &tcpLink{
		conn:     conn,
		queue:    NewSendQueue(),
		opts:     opts,
		session:  session,
		onPacket: onPacket,
		done:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component":   component,
			"session":     session.String(),
			"remote_addr": conn.RemoteAddr().String(),
		}),
	}
	l.seen.touch()
	return l
}

// start launches both loops. onClosed runs exactly once, from the receive
// loop's shutdown path, after the socket is closed.
func (l *tcpLink) start(parent context.Context, onClosed func(error)) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.started.Store(true)

	go l.sendLoop(ctx)
	go l.receiveLoop(ctx, onClosed)
}

func (l *tcpLink) send(data []byte) error {
	if !l.queue.Push(data) {
		return ErrNotConnected
	}
	return nil
}

// close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (l *tcpLink) close() {
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.queue.Close()
		_ = l.conn.Close()
	})
}

// wait blocks until the receive loop has finished its shutdown path.
func (l *tcpLink) wait() {
	if l.started.Load() {
		<-l.done
	}
}

func (l *tcpLink) receiveLoop(ctx context.Context, onClosed func(error)) {
	var err error
	defer func() {
		l.close()
		l.err = err
		if onClosed != nil {
			onClosed(err)
		}
		close(l.done)
	}()
	defer recoverLoop(l.log, "tcpLink.receiveLoop")

	prefix := make([]byte, 4)
	for {
		var data []byte
		data, err = readFrame(l.conn, prefix, l.opts.Config.MaxPacketSize)
		if err != nil {
			l.logReadError(ctx, err)
			return
		}
		l.seen.touch()
		l.opts.Stats.RecordReceived(len(data))
		l.onPacket(data)
	}
}

func (l *tcpLink) logReadError(ctx context.Context, err error) {
	fields := logrus.Fields{
		"function": "tcpLink.receiveLoop",
		"error":    err.Error(),
	}
	switch {
	case errors.Is(err, ErrProtocol):
		l.log.WithFields(fields).Warn("Dropping connection after protocol violation")
	case ctx.Err() != nil, isClosedErr(err), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		l.log.WithFields(fields).Debug("Receive loop finished")
	default:
		l.log.WithFields(fields).Info("Connection lost")
	}
}

func (l *tcpLink) sendLoop(ctx context.Context) {
	defer l.close()
	defer recoverLoop(l.log, "tcpLink.sendLoop")

	scratch := make([]byte, 0, l.opts.Config.MaxBufferSize)
	var batch [][]byte
	for {
		if err := l.queue.Wait(ctx); err != nil {
			return
		}
		if l.queue.Closed() {
			return
		}
		batch = l.queue.Drain(batch)
		if len(batch) == 0 {
			continue
		}

		if t := l.opts.Config.SendTimeout; t > 0 {
			_ = l.conn.SetWriteDeadline(time.Now().Add(t))
		}
		if _, err := writeBatch(l.conn, batch, scratch); err != nil {
			if ctx.Err() == nil && !isClosedErr(err) {
				l.log.WithFields(logrus.Fields{
					"function": "tcpLink.sendLoop",
					"frames":   len(batch),
					"error":    err.Error(),
				}).Warn("Write failed, closing connection")
			}
			return
		}
		for _, f := range batch {
			l.opts.Stats.RecordSent(len(f))
		}
	}
}
