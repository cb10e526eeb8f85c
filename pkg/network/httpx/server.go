package httpx

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/callcoord/callcoord/pkg/logger"
	"golang.org/x/crypto/acme/autocert"
)

type Options struct {
	Https     bool
	HttpsCert string
	HttpsKey  string
	// HttpsDomain enables automatic certificates for the domain when no
	// explicit cert/key pair is given.
	HttpsDomain  string
	PortRoll     bool
	IdleTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Option func(*Options)

func (o *Options) override(options ...Option) {
	for _, opt := range options {
		opt(o)
	}
}

func (o *Options) isAutoCert() bool { return !(o.HttpsCert != "" && o.HttpsKey != "") }

func WithPortRoll(roll bool) Option { return func(opts *Options) { opts.PortRoll = roll } }
func WithTLS(cert, key, domain string) Option {
	return func(opts *Options) {
		opts.Https = true
		opts.HttpsCert = cert
		opts.HttpsKey = key
		opts.HttpsDomain = domain
	}
}

type Server struct {
	http.Server

	opts     Options
	listener *Listener
	log      *logger.Logger
}

func NewServer(address string, handler http.Handler, log *logger.Logger, options ...Option) (*Server, error) {
	opts := &Options{
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	opts.override(options...)

	server := &Server{
		Server: http.Server{
			Addr:         address,
			Handler:      handler,
			IdleTimeout:  opts.IdleTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		opts: *opts,
		log:  log.Extend(log.With().Str("c", "http")),
	}

	if opts.Https && opts.isAutoCert() {
		manager := &autocert.Manager{Prompt: autocert.AcceptTOS, Cache: autocert.DirCache("assets/cache")}
		if opts.HttpsDomain != "" {
			manager.HostPolicy = autocert.HostWhitelist(opts.HttpsDomain)
		}
		server.TLSConfig = manager.TLSConfig()
	}

	listener, err := NewListener(address, opts.PortRoll)
	if err != nil {
		return nil, err
	}
	server.listener = listener
	return server, nil
}

// Addr is the actual bound address, which can differ from the requested one
// when ports were rolled.
func (s *Server) BoundAddr() string { return s.listener.Addr().String() }

func (s *Server) Run() error {
	protocol := "http"
	if s.opts.Https {
		protocol = "https"
	}
	s.log.Info().Msgf("%s server on %s", protocol, s.BoundAddr())

	var err error
	if s.opts.Https {
		if s.TLSConfig != nil && len(s.TLSConfig.Certificates) == 0 && s.opts.isAutoCert() {
			err = s.Serve(tls.NewListener(s.listener, s.TLSConfig))
		} else {
			err = s.ServeTLS(s.listener, s.opts.HttpsCert, s.opts.HttpsKey)
		}
	} else {
		err = s.Serve(s.listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.Server.Shutdown(ctx) }
