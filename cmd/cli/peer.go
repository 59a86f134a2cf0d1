package cli

// -----------------------------------------------------------------------------
// peer.go - Animica CLI middleware for the P2P peer subsystem
// -----------------------------------------------------------------------------
// Commands exposed after `RegisterPeer(rootCmd)`:
//   peer start
//   peer list
//   peer connect <multiaddr>
//   peer disconnect <peer-id>
//   peer ban <peer-id>
//   peer forget <peer-id>
//   peer seeds load <file>
// -----------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"animica-network/core"
	"animica-network/pkg/config"
)

var (
	peerNode *core.Node
	peerOnce sync.Once
	peerErr  error
)

// peerInitMiddleware loads .env, configures logging, loads the viper
// configuration, and starts the shared Node exactly once.
func peerInitMiddleware(cmd *cobra.Command, _ []string) error {
	peerOnce.Do(func() {
		_ = godotenv.Load()

		lvl := os.Getenv("LOG_LEVEL")
		if lvl == "" {
			lvl = "info"
		}
		lv, e := logrus.ParseLevel(lvl)
		if e != nil {
			peerErr = e
			return
		}
		logrus.SetLevel(lv)

		cfg, e := config.LoadFromEnv()
		if e != nil {
			logrus.Warnf("peer: falling back to default node config: %v", e)
			cfg = &config.Config{}
		}

		nodeCfg := core.DefaultNodeConfig()
		if cfg.Network.ListenAddr != "" {
			nodeCfg.ListenAddr = cfg.Network.ListenAddr
		}
		if cfg.Network.DiscoveryTag != "" {
			nodeCfg.DiscoveryTag = cfg.Network.DiscoveryTag
		}
		if len(cfg.Network.BootstrapPeers) > 0 {
			nodeCfg.BootstrapPeers = cfg.Network.BootstrapPeers
		}
		if cfg.Network.ChainID != "" {
			nodeCfg.ChainID = cfg.Network.ChainID
		}
		if cfg.Store.DBPath != "" {
			nodeCfg.PeerStorePath = cfg.Store.DBPath
		}
		nodeCfg.Handshake.AllowInsecureDevnet = cfg.Handshake.AllowInsecureDevnet

		n, e := core.NewNode(nodeCfg)
		if e != nil {
			peerErr = e
			return
		}
		peerNode = n
	})
	return peerErr
}

// RegisterPeer attaches the `peer` command tree to rootCmd.
func RegisterPeer(rootCmd *cobra.Command) {
	peerCmd := &cobra.Command{Use: "peer", Short: "manage P2P peers"}

	start := &cobra.Command{
		Use:    "start",
		Short:  "start the P2P node and block until interrupted",
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			hl, err := core.NewHealthLogger(peerNode, "animica-health.log")
			if err != nil {
				return err
			}
			defer hl.Close()
			srv, err := hl.StartMetricsServer(":9101")
			if err != nil {
				return err
			}
			go hl.Run(cmd.Context(), 15*time.Second)
			fmt.Println("p2p node started, metrics on :9101/metrics, ctrl-c to stop")
			peerNode.ListenAndServe()
			return hl.ShutdownMetricsServer(cmd.Context(), srv)
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Short:   "list peers in this process's in-memory peer table",
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range peerNode.Peers() {
				snap := p.Snapshot()
				fmt.Printf("%s\tstatus=%s\tscore=%.2f\trtt=%.1fms\n", snap.ID, snap.Status, snap.Score, snap.RTTMs)
			}
			return nil
		},
	}

	connect := &cobra.Command{
		Use:     "connect [multiaddr]",
		Short:   "dial a peer by multiaddr",
		Args:    cobra.ExactArgs(1),
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			return peerNode.DialSeed([]string{args[0]})
		},
	}

	disconnect := &cobra.Command{
		Use:     "disconnect [peer-id]",
		Short:   "disconnect a connected peer",
		Args:    cobra.ExactArgs(1),
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			peerNode.Disconnect(args[0])
			return nil
		},
	}

	ban := &cobra.Command{
		Use:     "ban [peer-id]",
		Short:   "ban a peer in the durable peer store",
		Args:    cobra.ExactArgs(1),
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			peerNode.Disconnect(args[0])
			return peerBan(args[0])
		},
	}

	forget := &cobra.Command{
		Use:     "forget [peer-id]",
		Short:   "remove a peer from the durable peer store",
		Args:    cobra.ExactArgs(1),
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			return peerForget(args[0])
		},
	}

	seeds := &cobra.Command{Use: "seeds", Short: "manage bootstrap seed files"}
	seedsLoad := &cobra.Command{
		Use:     "load [file]",
		Short:   "dial every address in a JSON seed file",
		Args:    cobra.ExactArgs(1),
		PreRunE: peerInitMiddleware,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := core.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			addrs := make([]string, 0, len(entries))
			for _, e := range entries {
				addrs = append(addrs, e.Addrs...)
			}
			return peerNode.DialSeed(addrs)
		},
	}
	seeds.AddCommand(seedsLoad)

	peerCmd.AddCommand(start, list, connect, disconnect, ban, forget, seeds)
	rootCmd.AddCommand(peerCmd)
}

// peerBan and peerForget reach the durable store directly since Node does
// not expose a ban/forget operation on its in-memory peer table. The change
// is written to the store only; Node never reloads its table from the store.
func peerBan(id string) error {
	store, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Ban(id)
}

func peerForget(id string) error {
	store, err := openStoreForCLI()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Forget(id)
}

func openStoreForCLI() (*core.PeerStore, error) {
	cfg, err := config.LoadFromEnv()
	path := "animica-peers.db"
	if err == nil && cfg.Store.DBPath != "" {
		path = cfg.Store.DBPath
	}
	return core.OpenPeerStore(path)
}
