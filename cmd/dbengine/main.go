// dbengine is the storage core's server entrypoint: it wires the file
// manager, B+ tree, MVCC store, lock manager, WAL, and recovery manager
// into one Concurrency Facade and exposes it over gRPC and an
// observability HTTP server, in the shape of the teacher's
// cmd/treestore/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/reldb/internal/btree"
	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/concurrency"
	"github.com/nainya/reldb/internal/filemanager"
	"github.com/nainya/reldb/internal/lockmgr"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
	"github.com/nainya/reldb/internal/mvcc"
	"github.com/nainya/reldb/internal/recovery"
	"github.com/nainya/reldb/internal/rpc"
	"github.com/nainya/reldb/internal/wal"
)

var (
	port      = flag.Int("port", 50051, "gRPC server port")
	adminPort = flag.Int("admin-port", 9090, "observability HTTP server port")
	dataPath  = flag.String("data", "reldb.dat", "data file path")
	walDir    = flag.String("wal-dir", "reldb-wal", "write-ahead log directory")
	logLevel  = flag.String("log-level", "info", "debug, info, warn, error")
	logPretty = flag.Bool("log-pretty", false, "pretty-print logs for local development")
)

func main() {
	flag.Parse()

	logger.InitGlobal(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log := logger.Global().Component("dbengine")
	m := metrics.New()

	log.Info("starting reldb").Str("data", *dataPath).Str("wal_dir", *walDir).Int("port", *port).Send()

	fm, err := filemanager.Open(*dataPath, common.DefaultFileManagerConfig())
	if err != nil {
		log.Fatal("open data file").Err(err).Send()
	}
	defer fm.Close()

	walCfg := common.DefaultWALConfig()
	walCfg.Dir = *walDir
	w, err := wal.Open(walCfg, m)
	if err != nil {
		log.Fatal("open WAL").Err(err).Send()
	}
	defer w.Close()

	recoveryMgr := recovery.New(w, fm, common.DefaultRecoveryConfig(), m)
	stats, err := recoveryMgr.Recover()
	if err != nil {
		log.Fatal("recovery failed").Err(err).Send()
	}
	log.Info("recovery complete").
		Int("committed", stats.CommittedTxns).
		Int("active_rolled_back", stats.ActiveTxns).
		Send()

	tree := btree.New(btree.NewFileStore(fm), m)
	versions := mvcc.New(tree, common.DefaultAcidConfig(), m)
	locks := lockmgr.New(common.DefaultLockManagerConfig(), m)
	defer locks.Stop()

	checkpointer := wal.NewCheckpointer(w, walCfg, func() error {
		return fm.Sync()
	}, func() wal.CheckpointStats {
		return wal.CheckpointStats{}
	})
	checkpointer.Start()
	defer checkpointer.Stop()

	facade := concurrency.New(versions, locks, w, m)
	svc := rpc.NewService(facade, m)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(rpc.MetricsInterceptor(m, log)),
		grpc.MaxRecvMsgSize(64*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
	)
	rpc.Register(grpcServer, svc)
	reflection.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(rpc.ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("listen").Err(err).Send()
	}

	obs := rpc.NewObservabilityServer(*adminPort, m, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down").Send()
		grpcServer.GracefulStop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	}()

	log.Info("ready").Int("port", *port).Int("admin_port", *adminPort).Send()
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal("serve").Err(err).Send()
	}
}
