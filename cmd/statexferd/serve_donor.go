package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quorumkv/statexfer/config"
	"github.com/quorumkv/statexfer/gcache"
	"github.com/quorumkv/statexfer/ist"
	"github.com/quorumkv/statexfer/monitor"
	"github.com/quorumkv/statexfer/xfer"
)

var (
	donorControlAddr string
	donorStateUUID   string
	donorApplySeqno  int64
	donorRetention   int
	donorCOBypass    bool
	donorTLSEnable   bool
	donorTLSCert     string
	donorTLSKey      string
	donorTLSCA       string
)

var serveDonorCmd = &cobra.Command{
	Use:   "serve-donor",
	Short: "Serve state-transfer requests as a donor",
	Long: `serve-donor listens for DirectGCS control connections and answers
each with either a trivial ack, an IST stream, or a full SST callback,
depending on what the request asks for and what GCache still retains.

Examples:
  statexferd serve-donor --control-addr=:7100 --state-uuid=<uuid> --apply-seqno=100`,
	RunE: runServeDonor,
}

func init() {
	rootCmd.AddCommand(serveDonorCmd)
	serveDonorCmd.Flags().StringVar(&donorControlAddr, "control-addr", ":7100", "address to listen on for DirectGCS control connections")
	serveDonorCmd.Flags().StringVar(&donorStateUUID, "state-uuid", "", "this node's group state UUID (canonical hyphenated hex)")
	serveDonorCmd.Flags().Int64Var(&donorApplySeqno, "apply-seqno", 0, "this node's current applied seqno, the donor's snapshot point")
	serveDonorCmd.Flags().IntVar(&donorRetention, "gcache-retention", 0, "writesets retained in GCache (0 = use default)")
	serveDonorCmd.Flags().BoolVar(&donorCOBypass, "commit-order-bypass", false, "the group runs with commit-order bypass; skip the commit monitor entirely")
	serveDonorCmd.Flags().BoolVar(&donorTLSEnable, "ist-tls", false, "enable TLS on the IST channel (control-plane listen and IST sender dial)")
	serveDonorCmd.Flags().StringVar(&donorTLSCert, "ist-tls-cert", "", "certificate file presented by the control listener")
	serveDonorCmd.Flags().StringVar(&donorTLSKey, "ist-tls-key", "", "private key file matching --ist-tls-cert")
	serveDonorCmd.Flags().StringVar(&donorTLSCA, "ist-tls-ca", "", "CA file trusted for client certs on the control listener and the joiner's IST receiver cert")
}

func runServeDonor(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.GCache.Retention = donorRetention
	cfg.CommitOrderBypass = donorCOBypass
	cfg.IST.SSL = config.TLSMode{Enable: donorTLSEnable, CertFile: donorTLSCert, KeyFile: donorTLSKey, CAFile: donorTLSCA}
	cfg.FillDefaults()

	uuid, err := ist.ParseUUID(donorStateUUID)
	if err != nil {
		return err
	}

	// The control listener and the IST receiver (reached indirectly through
	// AsyncSenderMap's dial-out) take opposite TLS roles from each other.
	listenTLS, err := cfg.IST.SSL.Server()
	if err != nil {
		return fmt.Errorf("control listener tls: %w", err)
	}
	dialTLS, err := cfg.IST.SSL.Client()
	if err != nil {
		return fmt.Errorf("ist sender tls: %w", err)
	}

	logger := log.New(os.Stdout, "donor: ", log.LstdFlags)
	cache := gcache.New(cfg.GCache.Retention)

	apply := monitor.New(0)
	commit := monitor.New(0)
	local := monitor.New(0)
	if err := apply.SetInitialPosition(donorApplySeqno); err != nil {
		return err
	}
	if err := commit.SetInitialPosition(donorApplySeqno); err != nil {
		return err
	}

	donor := xfer.NewDonor(xfer.DonorConfig{
		StateUUID: uuid,
		Version:   cfg.Version,
		GCS:       xfer.NewDirectGCS("", dialTLS, cfg.IST.DialTimeout, logger),
		GCache:    cache,
		Callback:  xfer.NoopSSTCallback(logger),
		Senders:   ist.NewAsyncSenderMap(cache, logger),
		Monitors:  xfer.Monitors{Apply: apply, Commit: commit, Local: local, CommitOrderBypass: cfg.CommitOrderBypass},
		Sender: ist.SenderConfig{
			TLS:          dialTLS,
			DialTimeout:  cfg.IST.DialTimeout,
			WriteTimeout: cfg.IST.WriteTimeout,
			Linger:       cfg.IST.Linger,
			Logger:       logger,
		},
		Logger: logger,
	})

	server := xfer.NewDonorServer(donor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx, donorControlAddr, listenTLS) }()

	logger.Printf("serving donor requests on %s (uuid=%s, applied=%d)", donorControlAddr, uuid, donorApplySeqno)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Println("shutting down...")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
