package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/rematAllocator/remat"
	"github.com/shenjiangwei/rematAllocator/rpc"
)

var (
	serveListen  string
	serveTimeout time.Duration
)

func init() {
	cmd := newServeCmd()
	cmd.Flags().StringVarP(&serveListen, "listen", "l", "localhost:1234", "RPC listen address")
	cmd.Flags().DurationVar(&serveTimeout, "timeout", rpc.DefaultTimeout, "How long a request may wait for the device")
	rootCmd.AddCommand(cmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve allocations over net/rpc",
		Long: `The serve command exposes one device arena to remote clients.
Remote allocations have no owner value and are never evicted.

Example:
  rematAllocator serve --listen :1234 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, _, _, err := newDevice(0, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	newMetricsExporter().watch(dev)

	server, err := rpc.NewServer(dev, serveTimeout)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		remat.Info("shutting down")
		server.Close()
	}()

	return server.Start(serveListen)
}
