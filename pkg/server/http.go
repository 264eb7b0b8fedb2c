package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"payout-engine/pkg/config"
	"payout-engine/pkg/middleware"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
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

// NewEngine returns the gin engine that route modules register onto.
func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())
	return engine
}

type Params struct {
	fx.In
	Config *config.Config
	Engine *gin.Engine
}

func NewHttpServer(p Params) *Server {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      otelhttp.NewHandler(p.Engine, cfg.AppName),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
	}

	if cfg.TLS.Enable {
		srv.reloadCert()
		go srv.watchTLSFiles()

		srv.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(info *tls.ClientHelloInfo) (*tls.Certificate, error) {
				srv.tlsMutex.RLock()
				defer srv.tlsMutex.RUnlock()

				if srv.cert == nil {
					return nil, fmt.Errorf("no TLS cert loaded")
				}

				return srv.cert, nil
			},
		}
	}

	return srv
}

func (s *Server) reloadCert() {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		zap.L().Error("failed to reload TLS cert", zap.Error(err))
		return
	}
	s.tlsMutex.Lock()
	s.cert = &cert
	s.tlsMutex.Unlock()
	zap.L().Info("TLS certificate reloaded")
}

func (s *Server) watchTLSFiles() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("failed to create fsnotify watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	_ = watcher.Add(s.certPath)
	_ = watcher.Add(s.keyPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.reloadCert()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("watcher error", zap.Error(err))
		}
	}
}

func Run(lc fx.Lifecycle, srv *Server) {
	serve := func(listen func() error) {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("HTTP server exited", zap.Error(err))
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if srv.server.TLSConfig != nil {
				zap.L().Info("Starting monitoring server with tls", zap.String("addr", srv.server.Addr))
				go serve(func() error { return srv.server.ListenAndServeTLS("", "") })
			} else {
				zap.L().Info("Starting monitoring server", zap.String("addr", srv.server.Addr))
				go serve(srv.server.ListenAndServe)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Shutting down HTTP server gracefully...")
			return srv.server.Shutdown(ctx)
		},
	})
}
