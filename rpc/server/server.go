package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/persistence/raftsink"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	admin "github.com/ValentinKolb/mucore/rpc/transport/http"
	"github.com/ValentinKolb/mucore/rpc/transport/tcp"
	"github.com/ValentinKolb/mucore/rpc/transport/ws"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("server")

const shutdownTimeout = 10 * time.Second

// Server wires the orchestrator to its persistence sink and its gateways
type Server struct {
	config       common.ServerConfig
	nodeHost     *dragonboat.NodeHost
	orchestrator *core.Orchestrator
	gateway      *tcp.Gateway
	websocket    *ws.Gateway
	admin        *admin.AdminServer
}

// NewServer creates a server for config. Nothing is started before Serve.
//
// Usage:
//
//	s := server.NewServer(config)
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewServer(config common.ServerConfig) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created muCore server")
	Logger.Infof(config.String())

	return &Server{config: config}
}

// Orchestrator returns the runtime, nil before Serve
func (s *Server) Orchestrator() *core.Orchestrator {
	return s.orchestrator
}

// init builds the runtime bottom up: topology, tokens, sink, pipeline and
// finally the orchestrator with its gateways
func (s *Server) init() error {
	topology := directory.DefaultTopology()
	if s.config.TopologyFile != "" {
		t, err := directory.LoadTopology(s.config.TopologyFile)
		if err != nil {
			return err
		}
		topology = t
	}

	tokens, err := auth.NewService([]byte(s.config.AuthSecret), time.Duration(s.config.SessionTTLSeconds)*time.Second)
	if err != nil {
		return err
	}

	sink, err := s.createSink()
	if err != nil {
		return err
	}

	s.orchestrator = core.New(
		s.config.RuntimeConfig(),
		directory.NewDirectory(topology),
		hub.New(0),
		persistence.NewPipeline(s.config.PersistenceConfig(), sink),
		protocol.NewRuntime(protocol.DefaultWireCodec(), s.config.Motd, 0),
		tokens,
	)

	s.gateway = tcp.NewGateway()
	s.gateway.RegisterHandler(s.orchestrator)
	if s.config.WebSocketEndpoint != "" {
		s.websocket = ws.NewGateway()
		s.websocket.RegisterHandler(s.orchestrator)
	}
	if s.config.AdminEndpoint != "" {
		s.admin = admin.NewAdminServer(s.orchestrator)
	}

	Logger.Infof("muCore setup completed successfully")
	return nil
}

func (s *Server) createSink() (persistence.Sink, error) {
	switch s.config.PersistenceSink {
	case common.SinkTypeMemory, "":
		Logger.Warningf("using the in-memory persistence sink, character state is lost on exit")
		return persistence.NewMemorySink(), nil

	case common.SinkTypeRaft:
		nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create node host: %w", err)
		}
		if err := raftsink.StartReplica(nodeHost, s.config.ClusterMembers, false, s.config.ToDragonboatConfig()); err != nil {
			nodeHost.Close()
			return nil, err
		}
		s.nodeHost = nodeHost
		timeout := time.Duration(s.config.TimeoutSecond) * time.Second
		return raftsink.NewSink(nodeHost, s.config.ShardID, timeout), nil

	default:
		return nil, fmt.Errorf("invalid persistence sink: %s", s.config.PersistenceSink)
	}
}

// Serve initializes the runtime and serves all configured endpoints until
// ctx is cancelled or one of them fails. The runtime is shut down before
// Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 3)
	)
	start := func(name string, listen func(context.Context, common.ServerConfig) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx, s.config); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("gateway", s.gateway.Listen)
	if s.websocket != nil {
		start("websocket", s.websocket.Listen)
	}
	if s.admin != nil {
		start("admin", s.admin.Listen)
	}

	<-ctx.Done()
	Logger.Infof("shutting down")
	wg.Wait()
	close(errs)

	var serveErrs []error
	for err := range errs {
		serveErrs = append(serveErrs, err)
	}
	return errors.Join(append(serveErrs, s.shutdown())...)
}

// Run serves until SIGINT or SIGTERM
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.orchestrator.Shutdown(ctx)
	if s.nodeHost != nil {
		s.nodeHost.Close()
	}
	if err != nil {
		Logger.Errorf("shutdown incomplete: %v", err)
		return err
	}
	Logger.Infof("muCore stopped")
	return nil
}
