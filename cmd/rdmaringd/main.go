// Command rdmaringd is a minimal standalone daemon exercising the message
// ring end to end: it accepts plain TCP connections, decides via the peer
// policy whether to upgrade a connection to the RDMA message ring, and
// echoes whatever it receives back to the sender. It exists to drive the
// core from outside a test binary; the LD_PRELOAD shim described in the
// specification's scope section is not part of this repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/rdmaring/internal/config"
	"github.com/yanet-platform/rdmaring/internal/logging"
	"github.com/yanet-platform/rdmaring/internal/messagering"
	"github.com/yanet-platform/rdmaring/internal/policy"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/xcmd"
)

type cmdArgs struct {
	ConfigPath string
	Listen     string
}

var args cmdArgs

var rootCmd = &cobra.Command{
	Use:   "rdmaringd",
	Short: "Accelerate accepted TCP connections with the RDMA message ring",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(args)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&args.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().StringVarP(&args.Listen, "listen", "l", ":9797", "Address to accept plain TCP connections on")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args cmdArgs) error {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, level, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	peerPolicy, err := policy.New(cfg.Policy.AllowPattern)
	if err != nil {
		return fmt.Errorf("failed to build peer policy: %w", err)
	}

	vctx, err := verbs.Open(cfg.Policy.Device, cfg.Policy.Port, 256)
	if err != nil {
		return fmt.Errorf("failed to open RDMA device: %w", err)
	}
	defer vctx.Close()

	ln, err := net.Listen("tcp", args.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", args.Listen, err)
	}
	defer ln.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return acceptLoop(ctx, ln, vctx, &cfg.Ring, peerPolicy, log)
	})
	wg.Go(func() error {
		reload := xcmd.NotifyReload()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				gen := peerPolicy.Reload()
				log.Infow("reloaded peer policy", "generation", gen)

				if reloaded, err := config.Load(args.ConfigPath); err != nil {
					log.Warnw("failed to reload config, keeping current log level", "error", err)
				} else {
					level.SetLevel(reloaded.Logging.Level)
				}
			}
		}
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "error", err)
		return err
	})

	err = wg.Wait()
	var interrupted xcmd.Interrupted
	if errors.As(err, &interrupted) {
		return nil
	}
	return err
}

func acceptLoop(ctx context.Context, ln net.Listener, vctx verbs.Context, ringCfg *config.RingConfig, peerPolicy *policy.Policy, log *zap.SugaredLogger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		go handleConn(conn, vctx, ringCfg, peerPolicy, log)
	}
}

func handleConn(conn net.Conn, vctx verbs.Context, ringCfg *config.RingConfig, peerPolicy *policy.Policy, log *zap.SugaredLogger) {
	addr := conn.RemoteAddr().String()
	if !peerPolicy.IsRDMACapable(addr) {
		log.Infow("peer not RDMA-capable, leaving connection on plain TCP", "peer", addr)
		io.Copy(conn, conn)
		conn.Close()
		return
	}

	ring, err := messagering.New(conn, vctx, messagering.Config{
		RingSize:         uint64(ringCfg.Size),
		InlineThreshold:  uint64(ringCfg.InlineThreshold),
		PublishThreshold: ringCfg.PublishThreshold(),
		PrimeDepth:       ringCfg.PrimeDepth,
		Spin:             ringCfg.Spin,
	})
	if err != nil {
		log.Warnw("RDMA handshake failed, falling back to plain TCP", "peer", addr, "error", err)
		io.Copy(conn, conn)
		conn.Close()
		return
	}
	defer ring.Close()

	log.Infow("RDMA message ring established", "peer", addr)

	buf := make([]byte, ringCfg.Size)
	for {
		n, err := ring.Receive(buf)
		if err != nil {
			log.Infow("message ring closed", "peer", addr, "error", err)
			return
		}
		if err := ring.Send(buf[:n]); err != nil {
			log.Infow("message ring closed", "peer", addr, "error", err)
			return
		}
	}
}
