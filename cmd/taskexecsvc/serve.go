package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskmesh/fleetexec/internal/cluster"
	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/config"
	"github.com/taskmesh/fleetexec/internal/envelope"
	"github.com/taskmesh/fleetexec/internal/executor"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/log"
	"github.com/taskmesh/fleetexec/internal/wrapper"
)

func httpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Tracef("HTTP %s %d %s %v", c.Request().Method, c.Response().Status, c.Request().URL, err)
		return err
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cfg config.ExecutorConfig
	if err := config.Unmarshal(viper.GetViper(), &cfg); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		log.SetLevel(log.Level(cfg.LogLevel))
	}

	fs := afero.NewOsFs()
	compute := cluster.NewLocal()
	balancer := cluster.NewRoundRobin(compute.Nodes())

	scratch := localcache.NewScratchSpace(fs, cfg.ScratchDir)

	deps := executor.Deps{
		Codec:     codec.NewGob(),
		Cache:     localcache.NewLocalCache(fs, cfg.CacheDir),
		Scratch:   scratch,
		Fs:        fs,
		Builder:   wrapper.NewShell(fs),
		Registry:  envelope.MapOperatorRegistry{},
		SessionID: uuid.NewString(),
	}

	exec := executor.New(compute, balancer, deps)
	go exec.Monitor().Run()

	r := echo.New()
	r.HideBanner = true
	r.Use(httpLogger)
	executor.NewHttpHandler(exec, r)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down, cleaning up scratch space")
		exec.Monitor().Stop()
		compute.Close()
		scratch.Close()
		os.Exit(0)
	}()

	log.Infof("executor runtime ready: http=%s scratch=%s cache=%s session=%s", cfg.HTTPAddr, cfg.ScratchDir, cfg.CacheDir, deps.SessionID)
	return r.Start(cfg.HTTPAddr)
}
