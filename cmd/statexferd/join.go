package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumkv/statexfer/config"
	"github.com/quorumkv/statexfer/gcache"
	"github.com/quorumkv/statexfer/ist"
	"github.com/quorumkv/statexfer/monitor"
	"github.com/quorumkv/statexfer/xfer"
)

var (
	joinDonorAddr   string
	joinStateUUID   string
	joinGroupUUID   string
	joinGroupSeqno  int64
	joinRecvAddr    string
	joinRecvBind    string
	joinRetention   int
	joinSSTReqBytes string
	joinCOBypass    bool
	joinTLSEnable   bool
	joinTLSCert     string
	joinTLSKey      string
	joinTLSCA       string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Request and drive a state transfer as the joiner",
	Long: `join builds a StateRequest, submits it to a directly-addressed donor,
and blocks until SST has landed and any needed IST has drained.

Examples:
  statexferd join --donor-addr=127.0.0.1:7100 --state-uuid=<uuid> \
    --group-uuid=<uuid> --group-seqno=105 --recv-addr=127.0.0.1:7200`,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().StringVar(&joinDonorAddr, "donor-addr", "", "address of a serve-donor control listener")
	joinCmd.Flags().StringVar(&joinStateUUID, "state-uuid", "", "this node's own state UUID, sent as last_applied's owner")
	joinCmd.Flags().StringVar(&joinGroupUUID, "group-uuid", "", "the group UUID this node expects the donor to deliver")
	joinCmd.Flags().Int64Var(&joinGroupSeqno, "group-seqno", 0, "the group's current seqno to catch up to")
	joinCmd.Flags().StringVar(&joinRecvAddr, "recv-addr", "127.0.0.1:0", "address to advertise for the IST receiver")
	joinCmd.Flags().StringVar(&joinRecvBind, "recv-bind", "", "address to bind the IST receiver to (default: recv-addr)")
	joinCmd.Flags().IntVar(&joinRetention, "gcache-retention", 0, "writesets retained in GCache (0 = use default)")
	joinCmd.Flags().StringVar(&joinSSTReqBytes, "sst-request", "TRIVIAL_SST", "opaque SST request payload to submit")
	joinCmd.Flags().BoolVar(&joinCOBypass, "commit-order-bypass", false, "the group runs with commit-order bypass; skip the commit monitor entirely")
	joinCmd.Flags().BoolVar(&joinTLSEnable, "ist-tls", false, "enable TLS on the IST channel (receiver listen and control-plane dial)")
	joinCmd.Flags().StringVar(&joinTLSCert, "ist-tls-cert", "", "certificate file presented by the IST receiver and, if set, the control dial")
	joinCmd.Flags().StringVar(&joinTLSKey, "ist-tls-key", "", "private key file matching --ist-tls-cert")
	joinCmd.Flags().StringVar(&joinTLSCA, "ist-tls-ca", "", "CA file trusted for the donor's control-plane certificate and IST sender client certs")
	_ = joinCmd.MarkFlagRequired("donor-addr")
	_ = joinCmd.MarkFlagRequired("state-uuid")
	_ = joinCmd.MarkFlagRequired("group-uuid")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.IST.RecvAddr = joinRecvAddr
	cfg.IST.RecvBind = joinRecvBind
	cfg.GCache.Retention = joinRetention
	cfg.CommitOrderBypass = joinCOBypass
	cfg.IST.SSL = config.TLSMode{Enable: joinTLSEnable, CertFile: joinTLSCert, KeyFile: joinTLSKey, CAFile: joinTLSCA}
	cfg.FillDefaults()

	stateUUID, err := ist.ParseUUID(joinStateUUID)
	if err != nil {
		return err
	}
	groupUUID, err := ist.ParseUUID(joinGroupUUID)
	if err != nil {
		return err
	}

	logger := log.New(os.Stdout, "joiner: ", log.LstdFlags)

	// The IST receiver listens for a donor's sender to connect, so it needs
	// the server side of the configured mode; DirectGCS dials out to the
	// donor's control listener, so it needs the client side.
	recvTLS, err := cfg.IST.SSL.Server()
	if err != nil {
		return fmt.Errorf("ist receiver tls: %w", err)
	}
	dialTLS, err := cfg.IST.SSL.Client()
	if err != nil {
		return fmt.Errorf("direct gcs dial tls: %w", err)
	}

	applier := xfer.NewMemApplier()
	gcs := xfer.NewDirectGCS(joinDonorAddr, dialTLS, cfg.IST.DialTimeout, logger)

	j := xfer.NewJoiner(xfer.JoinerConfig{
		StateUUID: stateUUID,
		Version:   cfg.Version,
		GCS:       gcs,
		GCache:    gcache.New(cfg.GCache.Retention),
		Applier:   applier,
		Monitors: xfer.Monitors{
			Apply:             monitor.New(0),
			Commit:            monitor.New(0),
			Local:             monitor.New(0),
			CommitOrderBypass: cfg.CommitOrderBypass,
		},
		Receiver: ist.ReceiverConfig{
			RecvAddr:    cfg.IST.RecvAddr,
			RecvBind:    cfg.IST.RecvBind,
			TLS:         recvTLS,
			ReadTimeout: cfg.IST.ReadTimeout,
			Logger:      logger,
		},
		Sender: ist.SenderConfig{
			DialTimeout:  cfg.IST.DialTimeout,
			WriteTimeout: cfg.IST.WriteTimeout,
			Linger:       cfg.IST.Linger,
			Logger:       logger,
		},
		RetryInterval: time.Duration(cfg.SST.RetrySec) * time.Second,
		Logger:        logger,
	})
	gcs.OnSSTComplete = j.SSTReceived

	if err := j.RequestStateTransfer(context.Background(), groupUUID, ist.Seqno(joinGroupSeqno), []byte(joinSSTReqBytes)); err != nil {
		return err
	}

	logger.Printf("join complete: state=%s applied=%d writesets_delivered=%d",
		j.State(), joinGroupSeqno, len(applier.Log()))
	return nil
}
