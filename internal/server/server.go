package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	gossh "golang.org/x/crypto/ssh"

	"github.com/nitinics/openr/internal/config"
	"github.com/nitinics/openr/internal/configstore"
	ncrypto "github.com/nitinics/openr/internal/crypto"
	"github.com/nitinics/openr/internal/identity"
	"github.com/nitinics/openr/internal/logging"
	"github.com/nitinics/openr/internal/transport"
	"github.com/nitinics/openr/pkg/wire"
)

var srvlog = logging.For("server")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Server accepts client connections and forwards their requests to the
// store service.
type Server struct {
	cfg        config.ListenConfig
	svc        *configstore.Service
	static     noise.DHKey
	authorized [][]byte // allowed client X25519 statics; nil means any

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New builds a server for the given listen configuration. When encryption
// is enabled, id provides the Noise static key and cfg.AuthorizedClients
// may name an OpenSSH authorized_keys file of permitted client keys.
func New(cfg config.ListenConfig, svc *configstore.Service, id *identity.Identity) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		svc:   svc,
		conns: make(map[net.Conn]struct{}),
	}

	if cfg.Encryption {
		if id == nil {
			return nil, fmt.Errorf("encryption enabled but no identity given")
		}
		static, err := ncrypto.NoiseKeypair(id)
		if err != nil {
			return nil, fmt.Errorf("deriving noise key: %w", err)
		}
		s.static = static

		if cfg.AuthorizedClients != "" {
			keys, err := loadAuthorizedClients(cfg.AuthorizedClients)
			if err != nil {
				return nil, fmt.Errorf("loading authorized clients: %w", err)
			}
			s.authorized = keys
		} else {
			srvlog.Warn("encryption enabled without authorized_clients, any client key accepted")
		}
	}
	return s, nil
}

// Listen binds the server socket. Call Serve to start accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	srvlog.Info("listening", "addr", ln.Addr().String(), "encryption", s.cfg.Encryption)
	return nil
}

// Addr returns the bound address. Useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Stop is called.
// Call Listen first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			srvlog.Warn("accept error", "err", err)
			continue
		}

		if !s.track(conn) {
			srvlog.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr(), "max_clients", s.cfg.MaxClients)
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// Start is Listen followed by Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes the listener and every active connection. In-flight requests
// already handed to the store service still get their response written only
// if the write wins the race with the close; clients must treat a dropped
// connection as unknown outcome.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// track registers conn, enforcing the client cap. False means reject.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxClients > 0 && len(s.conns) >= s.cfg.MaxClients {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(tcp net.Conn) {
	defer func() { _ = tcp.Close() }()
	defer s.untrack(tcp)

	log := srvlog.With("conn", uuid.NewString()[:8], "remote", tcp.RemoteAddr().String())

	var conn net.Conn = tcp
	if s.cfg.Encryption {
		_ = tcp.SetDeadline(time.Now().Add(handshakeTimeout))
		nc, err := transport.Server(tcp, s.static)
		if err != nil {
			log.Warn("noise handshake failed", "err", err)
			return
		}
		_ = tcp.SetDeadline(time.Time{})

		if !s.clientAllowed(nc.PeerStatic()) {
			log.Warn("client key not authorized")
			return
		}
		conn = nc
	}
	log.Debug("client connected")

	for {
		payload, err := transport.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", "err", err)
			}
			return
		}

		var resp wire.Response
		req, err := wire.UnmarshalRequest(payload)
		if err != nil {
			// Undecodable requests never reach the store; the client
			// gets a failure with an empty key.
			log.Warn("undecodable request", "err", err)
			resp = wire.Response{}
		} else {
			resp = s.svc.Handle(req)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := transport.WriteFrame(conn, wire.MarshalResponse(resp)); err != nil {
			log.Warn("writing response failed", "err", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}
}

func (s *Server) clientAllowed(peerStatic []byte) bool {
	if s.authorized == nil {
		return true
	}
	for _, k := range s.authorized {
		if bytes.Equal(k, peerStatic) {
			return true
		}
	}
	return false
}

// loadAuthorizedClients reads an OpenSSH authorized_keys file of ed25519
// keys and returns their X25519 forms for matching against Noise statics.
// Blank lines and # comments are skipped; anything else must parse as a key.
func loadAuthorizedClients(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	for {
		data = skipBlanksAndComments(data)
		if len(data) == 0 {
			break
		}
		key, _, _, rest, err := gossh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key %d: %w", len(keys)+1, err)
		}
		ck, ok := key.(gossh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("key %d: unsupported type %s", len(keys)+1, key.Type())
		}
		edPub, ok := ck.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key %d: %s is not ed25519", len(keys)+1, key.Type())
		}
		xPub, err := ncrypto.EdPublicToX25519(edPub)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", len(keys)+1, err)
		}
		keys = append(keys, xPub)
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys found in %s", path)
	}
	return keys, nil
}

// skipBlanksAndComments advances past leading blank lines and # comment
// lines. ParseAuthorizedKey skips comments only when a key follows, so a
// trailing comment would otherwise read as "no key found".
func skipBlanksAndComments(data []byte) []byte {
	for {
		data = bytes.TrimLeft(data, " \t\r\n")
		if len(data) == 0 || data[0] != '#' {
			return data
		}
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return nil
		}
		data = data[i+1:]
	}
}
