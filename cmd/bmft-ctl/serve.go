package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"bmft"
	"bmft/internal/driver"
	"bmft/internal/driver/simdriver"
	"bmft/internal/logging"
	"bmft/rendezvous"
)

// maxRankSize is the implementation-defined cap spec.md §6 calls for:
// "rank_size must be a power of two, capped at an implementation constant
// (e.g. 16)". This is a CLI-wrapper contract, independent of OpenDevice's
// own AI_CORE-only power-of-two check.
const maxRankSize = 16

func newServeCommand() *cobra.Command {
	var (
		rankID       int
		rankCount    int
		nic          string
		peerFlags    []string
		rendezvousAt string
		roleFlag     string
		typeFlag     string
		registerSize string
		timeout      time.Duration
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open one rank's transport, bring up its peers, and hold until shutdown",
		Long: `serve opens a Transport for --rank, resolves its peer set either from
repeated --peer rank=nic flags or by allgathering NIC addresses through
a --rendezvous server, then runs Prepare/Connect and blocks until the
queue-pair set reaches OPERATIONAL (or TIMEOUT). It holds the rank open
until SIGINT/SIGTERM, then tears down cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				rankID:       rankID,
				rankCount:    rankCount,
				nic:          nic,
				peerFlags:    peerFlags,
				rendezvousAt: rendezvousAt,
				role:         roleFlag,
				initialType:  typeFlag,
				registerSize: registerSize,
				timeout:      timeout,
				verbose:      verbose,
			})
		},
	}

	cmd.Flags().IntVar(&rankID, "rank", -1, "this process's rank id (required)")
	cmd.Flags().IntVar(&rankCount, "rank-count", 0, "total rank count, power of two, capped at 16 (required)")
	cmd.Flags().StringVar(&nic, "nic", "", "this rank's NIC address, scheme://ip:port (required)")
	cmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "a peer as rank=nic (repeatable); mutually exclusive with --rendezvous")
	cmd.Flags().StringVar(&rendezvousAt, "rendezvous", "", "rendezvous server address for peer/NIC discovery")
	cmd.Flags().StringVar(&roleFlag, "role", "peer", "peer|sender|receiver")
	cmd.Flags().StringVar(&typeFlag, "initial-type", "host", "host|aicore")
	cmd.Flags().StringVar(&registerSize, "register-size", "", "register a demo memory region of this size (e.g. 4K, 1M) and publish its key")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "bring-up timeout (Prepare+Connect)")
	cmd.Flags().BoolVarP(&verbose, "v", "v", false, "verbose logging")

	return cmd
}

type serveOptions struct {
	rankID       int
	rankCount    int
	nic          string
	peerFlags    []string
	rendezvousAt string
	role         string
	initialType  string
	registerSize string
	timeout      time.Duration
	verbose      bool
}

func runServe(ctx context.Context, opt serveOptions) error {
	if opt.rankID < 0 {
		return fmt.Errorf("--rank is required")
	}
	if opt.rankCount <= 0 || opt.rankCount > maxRankSize || opt.rankCount&(opt.rankCount-1) != 0 {
		return fmt.Errorf("--rank-count must be a power of two in (0, %d], got %d", maxRankSize, opt.rankCount)
	}
	if opt.nic == "" {
		return fmt.Errorf("--nic is required")
	}

	role, err := parseRole(opt.role)
	if err != nil {
		return err
	}
	initialType, err := parseInitialType(opt.initialType)
	if err != nil {
		return err
	}

	logConfig := logging.DefaultConfig()
	if opt.verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	peers, err := resolvePeers(ctx, opt, logger)
	if err != nil {
		return fmt.Errorf("resolve peers: %w", err)
	}

	// The NIC/HAL driver pair is opaque hardware per spec.md §6; this repo
	// carries no real binding, so bmft-ctl drives simdriver the same way
	// the teacher's cmd/ublk-mem drove an in-memory backend.NewMemory in
	// the absence of a live block device. The socket-level handshake below
	// still dials real TCP, so cross-process bring-up genuinely exercises
	// the QP-Connection Manager FSM; only the data plane is simulated.
	node := simdriver.NewNode(simdriver.NewFabric(), opt.rankID)

	bopts := bmft.DefaultOptions()
	bopts.RankID = opt.rankID
	bopts.RankCount = opt.rankCount
	bopts.NIC = opt.nic
	bopts.Role = role
	bopts.InitialType = initialType
	bopts.Logger = logger
	bopts.NICDriver = node
	bopts.HALDriver = node

	tr, err := bmft.OpenDevice(bopts)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		logger.Info("closing transport", "rank_id", opt.rankID)
		if err := tr.Close(); err != nil {
			logger.Error("close failed", "rank_id", opt.rankID, "err", err)
		}
	}()

	if opt.registerSize != "" {
		if err := registerDemoRegion(ctx, tr, opt, logger); err != nil {
			return fmt.Errorf("register demo region: %w", err)
		}
	}

	prepCtx, cancel := context.WithTimeout(ctx, opt.timeout)
	defer cancel()

	if err := tr.Prepare(prepCtx, peers); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	if err := tr.Connect(prepCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	fmt.Printf("rank %d/%d operational on %s (%d peer(s))\n", opt.rankID, opt.rankCount, opt.nic, len(peers))
	logger.Info("rank operational", "rank_id", opt.rankID, "rank_count", opt.rankCount, "peers", len(peers))
	fmt.Println("Press Ctrl+C to tear down...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}
	return nil
}

func parseRole(s string) (bmft.Role, error) {
	switch strings.ToLower(s) {
	case "", "peer":
		return bmft.RolePeer, nil
	case "sender":
		return bmft.RoleSender, nil
	case "receiver":
		return bmft.RoleReceiver, nil
	default:
		return bmft.RolePeer, fmt.Errorf("unknown --role %q (want peer|sender|receiver)", s)
	}
}

func parseInitialType(s string) (bmft.InitialType, error) {
	switch strings.ToLower(s) {
	case "", "host":
		return bmft.InitialTypeHost, nil
	case "aicore":
		return bmft.InitialTypeAICore, nil
	default:
		return bmft.InitialTypeHost, fmt.Errorf("unknown --initial-type %q (want host|aicore)", s)
	}
}

// resolvePeers builds the Prepare/Connect peer set either from repeated
// --peer rank=nic flags or, when --rendezvous is set, by allgathering every
// rank's NIC address under a well-known group (spec.md §2's "exchange
// endpoints ... before the data path").
func resolvePeers(ctx context.Context, opt serveOptions, logger *logging.Logger) ([]bmft.RankEndpoint, error) {
	if opt.rendezvousAt == "" {
		return parsePeerFlags(opt.peerFlags)
	}
	if len(opt.peerFlags) > 0 {
		return nil, fmt.Errorf("--peer and --rendezvous are mutually exclusive")
	}

	client := rendezvous.Dial(opt.rendezvousAt, nil, logger)
	member := strconv.Itoa(opt.rankID)
	gathered, err := client.Allgather(ctx, "bmft-ctl/nics", member, opt.rankCount, []byte(opt.nic))
	if err != nil {
		return nil, fmt.Errorf("allgather NIC addresses: %w", err)
	}

	peers := make([]bmft.RankEndpoint, 0, opt.rankCount-1)
	for m, nic := range gathered {
		rank, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("rendezvous member %q is not a rank id: %w", m, err)
		}
		if rank == opt.rankID {
			continue
		}
		peers = append(peers, bmft.RankEndpoint{RankID: rank, NIC: string(nic), Role: bmft.RolePeer})
	}
	return peers, nil
}

func parsePeerFlags(flags []string) ([]bmft.RankEndpoint, error) {
	peers := make([]bmft.RankEndpoint, 0, len(flags))
	for _, f := range flags {
		rankStr, nic, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("--peer %q must be rank=nic", f)
		}
		rank, err := strconv.Atoi(rankStr)
		if err != nil {
			return nil, fmt.Errorf("--peer %q: invalid rank: %w", f, err)
		}
		peers = append(peers, bmft.RankEndpoint{RankID: rank, NIC: nic, Role: bmft.RolePeer})
	}
	return peers, nil
}

func registerDemoRegion(ctx context.Context, tr *bmft.Transport, opt serveOptions, logger *logging.Logger) error {
	size, err := parseSize(opt.registerSize)
	if err != nil {
		return fmt.Errorf("--register-size %q: %w", opt.registerSize, err)
	}
	buf := make([]byte, size)
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))

	if err := tr.RegisterMemoryRegion(bmft.MemoryRegionSpec{
		Address: addr,
		Size:    uint64(size),
		Access:  driver.AccessLocalWrite | driver.AccessRemoteWrite | driver.AccessRemoteRead,
		Flags:   driver.FlagDRAM,
	}); err != nil {
		return err
	}

	wire, err := tr.QueryMemoryKeyWire(addr)
	if err != nil {
		return err
	}
	logger.Info("registered demo region", "rank_id", opt.rankID, "addr", addr, "size", size, "wire_bytes", len(wire))

	if opt.rendezvousAt != "" {
		client := rendezvous.Dial(opt.rendezvousAt, nil, logger)
		key := fmt.Sprintf("bmft-ctl/mr/%d", opt.rankID)
		if err := client.Put(ctx, key, wire); err != nil {
			return fmt.Errorf("publish memory key: %w", err)
		}
		logger.Info("published memory key to rendezvous", "rank_id", opt.rankID, "key", key)
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K" — the teacher's
// cmd/ublk-mem flag shape reused for --register-size.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
