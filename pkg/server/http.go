package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/middleware"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewEngine, NewHttpServer),
	fx.Invoke(Run),
)

type Server struct {
	server   *http.Server
	tlsMutex sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

type EngineParams struct {
	fx.In
	Config      *config.Config
	Middlewares []gin.HandlerFunc `group:"middleware"`
}

// NewEngine builds the gin engine. Grouped middlewares (authz) run after the
// fixed request-id, tenant and error chain. Route groups are registered by
// each service's Gateway module.
func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Tenant(), middleware.Error())
	r.Use(p.Middlewares...)
	return r
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) *Server {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
	}

	if cfg.TLS.Enable {
		srv.server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: srv.certificate,
		}
	}
	return srv
}

func (s *Server) certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.tlsMutex.RLock()
	defer s.tlsMutex.RUnlock()
	if s.cert == nil {
		return nil, errors.New("no TLS certificate loaded")
	}
	return s.cert, nil
}

func (s *Server) loadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}
	s.tlsMutex.Lock()
	s.cert = &cert
	s.tlsMutex.Unlock()
	return nil
}

// watchCert reloads the key pair whenever cert-manager rotates the files.
// A failed reload keeps serving the previous certificate.
func (s *Server) watchCert(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.loadCert(); err != nil {
				zap.L().Error("[HTTP] TLS reload failed", zap.Error(err))
				continue
			}
			zap.L().Info("[HTTP] TLS certificate reloaded", zap.String("file", event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Warn("[HTTP] TLS watcher error", zap.Error(err))
		}
	}
}

// Run binds the listener during start so a taken port fails the app
// instead of a background goroutine.
func Run(lc fx.Lifecycle, srv *Server) {
	var watcher *fsnotify.Watcher

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.server.Addr, err)
			}

			tlsOn := srv.server.TLSConfig != nil
			if tlsOn {
				if err := srv.loadCert(); err != nil {
					_ = ln.Close()
					return err
				}
				if watcher, err = fsnotify.NewWatcher(); err != nil {
					_ = ln.Close()
					return fmt.Errorf("tls watcher: %w", err)
				}
				_ = watcher.Add(srv.certPath)
				_ = watcher.Add(srv.keyPath)
				go srv.watchCert(watcher)
				ln = tls.NewListener(ln, srv.server.TLSConfig)
			}

			go func() {
				if err := srv.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("[HTTP] server exited", zap.Error(err))
				}
			}()
			zap.L().Info("[HTTP] listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", tlsOn))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watcher != nil {
				_ = watcher.Close()
			}
			return srv.server.Shutdown(ctx)
		},
	})
}
