package medium

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/emul8/radiomedium/link"
	"github.com/emul8/radiomedium/medium/trace"
)

// Server is the broker: it accepts sessions and runs one receive-and-dispatch loop per session.
type Server struct {
	cfg        Config
	ln         *link.Listener
	clock      *Clock
	registry   *Registry
	fanout     *Fanout
	metrics    *Metrics
	trace      *trace.BrokerTrace
	dispatcher *Dispatcher

	mu      sync.Mutex // guards closing against concurrent session admission
	closing bool
	wg      sync.WaitGroup
}

// NewServer builds a broker from cfg. The config must be valid.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		clock:    NewClock(),
		registry: NewRegistry(),
		fanout:   NewFanout(cfg.Fanout),
		metrics:  NewMetrics(),
		trace:    trace.NewBrokerTrace(trace.TraceConfig{Level: cfg.TraceLevel}),
	}
	s.dispatcher = NewDispatcher(s.clock, s.registry, NewRelayPolicy(cfg.Relay), s.fanout, s.metrics, s.trace)
	return s
}

// Listen binds the listener. It is separate from Serve so callers can learn the
// address before serving.
func (s *Server) Listen() error {
	ln, err := link.Listen(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Listen must have been called.
func (s *Server) Addr() string { return s.ln.Addr() }

// Clock returns the virtual clock authority.
func (s *Server) Clock() *Clock { return s.clock }

// Registry returns the peer registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics returns the broker metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Trace returns the decision trace.
func (s *Server) Trace() *trace.BrokerTrace { return s.trace }

// Serve accepts sessions until ctx is cancelled, then closes the listener and every
// session and waits for their loops to finish. It calls Listen if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logrus.Infof("broker listening on %s (relay=%s, fanout=%s)", s.Addr(), s.dispatcher.relay.Name(), s.fanout.Mode())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-stop:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.shutdown()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting session: %w", err)
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.registry.Add(conn)
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveSession(ctx, conn)
	}
}

// shutdown stops accepting and closes every registered session.
func (s *Server) shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()
	_ = s.ln.Close()
	for _, p := range s.registry.Peers() {
		_ = p.Conn.Close()
	}
}

func (s *Server) serveSession(ctx context.Context, conn *link.Conn) {
	defer s.wg.Done()
	log := logrus.WithFields(logrus.Fields{"session": conn.ID(), "remote": conn.RemoteAddr()})
	s.metrics.SessionOpened()
	log.Info("session opened")

	err := conn.Serve(func(m *link.Message) {
		reply := s.dispatcher.Handle(ctx, conn, m)
		if reply == nil {
			return
		}
		if err := conn.Send(reply); err != nil {
			log.Errorf("failed to reply to client: %v", err)
		}
	})
	if err != nil {
		log.Warnf("session terminated: %v", err)
	}
	s.closeSession(conn.ID())
	log.Info("session closed")
}

// closeSession frees everything a session held. Other sessions are unaffected.
func (s *Server) closeSession(session uint64) {
	s.registry.Remove(session)
	s.fanout.Drop(session)
	released := s.clock.Release(session)
	if released {
		s.trace.RecordRelease(trace.ReleaseRecord{Session: session, Clock: s.clock.Now(), Reason: "disconnect"})
		logrus.WithField("session", session).Info("time controller released")
	}
	s.metrics.SessionClosed(released)
}
