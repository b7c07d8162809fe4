package microscope

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/logger"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

type connKey struct{}

// conn is the session binding of one client connection.
type conn struct {
	// id numbers connections for logs.
	id uint64
	// remote is the peer address.
	remote string
	// session is the bound session id, empty until the first call.
	session string
	// mu protects session.
	mu sync.Mutex
}

// TagConn attaches the connection binding to the connection context.
func (s *Server) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	c := &conn{id: s.conns.Add(1)}
	if info != nil && info.RemoteAddr != nil {
		c.remote = info.RemoteAddr.String()
	}

	return context.WithValue(ctx, connKey{}, c)
}

// HandleConn closes the session of a connection that went away.
func (s *Server) HandleConn(ctx context.Context, event stats.ConnStats) {
	if _, ok := event.(*stats.ConnEnd); !ok {
		return
	}

	c, ok := ctx.Value(connKey{}).(*conn)
	if !ok {
		return
	}

	c.mu.Lock()
	sessionID := c.session
	c.session = ""
	c.mu.Unlock()

	if sessionID != "" {
		s.hub.CloseSession(context.WithoutCancel(s.ctx), sessionID, "disconnected")
	}
}

// TagRPC is a no-op.
func (*Server) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

// HandleRPC is a no-op.
func (*Server) HandleRPC(context.Context, stats.RPCStats) {}

// session returns the live session of the calling connection, opening one
// when the connection has none or its session was reaped. Calls arriving
// without a connection binding get a session that is closed by release.
func (s *Server) session(ctx context.Context) (string, func()) {
	c, ok := ctx.Value(connKey{}).(*conn)
	if !ok {
		sessionID := s.hub.OpenSession(ctx, identify(ctx)).ID

		return sessionID, func() {
			s.hub.CloseSession(context.WithoutCancel(ctx), sessionID, "call finished")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != "" {
		if _, alive := s.hub.Sessions().Touch(c.session); alive {
			return c.session, s.keepAlive(c.session)
		}

		logger.InfoKV(s.ctx, "Session expired, opening a new one", "conn", c.id, "session", c.session)
	}

	c.session = s.hub.OpenSession(ctx, identify(ctx)).ID

	return c.session, s.keepAlive(c.session)
}

// keepAlive refreshes a session while a call is in flight, so a long
// exposure or move is not mistaken for an idle client.
func (s *Server) keepAlive(sessionID string) func() {
	interval := s.hub.Sessions().Timeout() / 3
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.hub.Sessions().Touch(sessionID)
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(done)
		})
	}
}

// identify reads the client identity from call metadata, falling back to
// the peer address.
func identify(ctx context.Context) *domain.ClientIdentity {
	identity := new(domain.ClientIdentity)

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(wire.MetadataHostname); len(v) > 0 {
			identity.Hostname = v[0]
		}

		if v := md.Get(wire.MetadataUsername); len(v) > 0 {
			identity.Username = v[0]
		}
	}

	if identity.Hostname == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			identity.Hostname = p.Addr.String()
		}
	}

	return identity
}
