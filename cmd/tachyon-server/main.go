package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tachyon-project/tachyon/model"
	"github.com/tachyon-project/tachyon/pkg/topology"
	"github.com/tachyon-project/tachyon/pkg/topology/etcdstore"
	"github.com/tachyon-project/tachyon/pkg/topology/memstore"
	"github.com/tachyon-project/tachyon/placement"
	"github.com/tachyon-project/tachyon/registry"
)

const version = "0.1.0"

func main() {
	cfg := NewConfig()
	err := cfg.Parse(os.Args[1:])
	switch {
	case err == nil:
	case flag.ErrHelp == err:
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "parse cmd flags error:", err)
		os.Exit(2)
	}
	if cfg.printVersion {
		fmt.Println("tachyon-server", version)
		os.Exit(0)
	}

	lg, props, err := log.InitLogger(&log.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   log.FileLogConfig{Filename: cfg.LogFile},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger error:", err)
		os.Exit(2)
	}
	log.ReplaceGlobals(lg, props)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		log.L().Fatal("open topology store", zap.Error(err))
	}
	defer store.Close()

	reg := registry.New(store)
	if err := reg.Bootstrap(ctx); err != nil {
		log.L().Fatal("bootstrap standard resource classes and traits", zap.Error(err))
	}
	// Smoke-check the store end to end before declaring readiness: a
	// trivial search touches every read path the engine depends on.
	engine := placement.NewEngine(store)
	probe := &placement.Request{Groups: map[string]*placement.RequestGroup{
		placement.DefaultGroup: {Resources: map[string]int64{model.VCPU: 1}},
	}}
	if _, err := engine.Search(ctx, probe); err != nil {
		log.L().Fatal("store smoke check", zap.Error(err))
	}

	log.L().Info("tachyon server ready",
		zap.String("backend", cfg.Backend),
		zap.String("version", version))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sc
	log.L().Info("got signal, exiting", zap.Stringer("signal", sig))
	cancel()
}

func openStore(cfg *Config) (topology.Store, error) {
	if cfg.Backend == backendMem {
		return memstore.New(), nil
	}
	return etcdstore.New(etcdstore.Config{
		Endpoints:   strings.Split(cfg.Etcd.Endpoints, ","),
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		Prefix:      cfg.Etcd.KeyPrefix,
	})
}
