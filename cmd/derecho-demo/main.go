// Command derecho-demo drives the Group Façade end to end: it joins a
// group over a real TCP transport, runs a counting subgroup through
// ordered_send N times, prints the stability/persistence callbacks as
// they fire, and serves the process's metrics on an HTTP endpoint.
//
// This binary is ambient tooling, not part of the specified core (the
// façade it drives is); see SPEC_FULL.md §4.7.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	derecoconfig "github.com/derecho-go/derecho-core/internal/config"
	"github.com/derecho-go/derecho-core/internal/derecholog"
	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/metrics"
	"github.com/derecho-go/derecho-core/internal/transport"
	"github.com/derecho-go/derecho-core/internal/view"
	"github.com/derecho-go/derecho-core/pkg/derecho"
)

var (
	bindAddr    string
	peerList    []string
	metricsAddr string
	sendCount   int
	dataDir     string

	cfgViper *viper.Viper
)

func main() {
	root := &cobra.Command{
		Use:   "derecho-demo",
		Short: "join a Derecho-style group and drive a counting subgroup",
	}

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "join the group, send --count messages, then block until interrupted",
		RunE:  runJoin,
	}
	flags := joinCmd.Flags()
	flags.StringVar(&bindAddr, "bind-addr", "", "this node's own host:port (also encodes its node id, see --peer)")
	flags.StringSliceVar(&peerList, "peer", nil, "node_id=host:port, repeated once per group member including self")
	flags.StringVar(&metricsAddr, "metrics-addr", ":0", "address the /metrics endpoint listens on")
	flags.IntVar(&sendCount, "count", 10, "number of ordered_send calls to issue against the counting subgroup")
	flags.StringVar(&dataDir, "data-dir", "", "directory for this node's persistence log (defaults to a temp dir)")

	cfgViper = derecoconfig.New()
	if err := derecoconfig.BindFlags(cfgViper, flags); err != nil {
		fmt.Fprintln(os.Stderr, "derecho-demo:", err)
		os.Exit(1)
	}

	root.AddCommand(joinCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "derecho-demo:", err)
		os.Exit(1)
	}
}

func parsePeers(raw []string) (ids.NodeID, []ids.NodeID, transport.StaticAddressBook, error) {
	book := transport.StaticAddressBook{}
	var members []ids.NodeID
	var self ids.NodeID
	var found bool
	for _, p := range raw {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return 0, nil, nil, fmt.Errorf("--peer %q: want node_id=host:port", p)
		}
		var id uint64
		if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil {
			return 0, nil, nil, fmt.Errorf("--peer %q: bad node id: %w", p, err)
		}
		node := ids.NodeID(id)
		book[node] = parts[1]
		members = append(members, node)
		if parts[1] == bindAddr {
			self = node
			found = true
		}
	}
	if !found {
		return 0, nil, nil, fmt.Errorf("--bind-addr %q must match one --peer entry", bindAddr)
	}
	return self, members, book, nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	self, members, book, err := parsePeers(peerList)
	if err != nil {
		return err
	}

	cfgViper.Set("derecho.local_id", uint64(self))
	opts, err := derecoconfig.Load(cfgViper)
	if err != nil {
		return err
	}

	log := derecholog.NewDefault("info")
	trans, err := transport.NewTCP(self, bindAddr, book, log, 5*time.Second)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}

	reg := prometheus.NewRegistry()
	mreg := metrics.New(reg)

	go serveMetrics(metricsAddr, reg, log)

	obj := newCountingObject()
	const countingSubgroup = ids.SubgroupID(0)

	g, err := derecho.Join(derecho.Config{
		Local:     self,
		Members:   members,
		Layout:    singleShardLayout(countingSubgroup),
		Transport: trans,
		Logger:    log,
		Metrics:   mreg,
		Options:   opts,
		DataDir:   dataDir,
		Callbacks: derecho.UserMessageCallbacks{
			GlobalStability: func(sg ids.SubgroupID, sender ids.NodeID, msgID ids.MessageID, _ []byte, version ids.Version) {
				log.Infof("derecho-demo: subgroup %d stable sender=%v msg=%d version=%d", sg, sender, msgID, version)
			},
			GlobalPersistence: func(sg ids.SubgroupID, version ids.Version) {
				log.Infof("derecho-demo: subgroup %d globally persisted through version %d", sg, version)
			},
			GlobalVerified: func(sg ids.SubgroupID, version ids.Version) {
				log.Infof("derecho-demo: subgroup %d globally verified through version %d", sg, version)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer g.Shutdown()

	g.RegisterSubgroup(countingSubgroup, obj)

	handle, err := g.GetSubgroup(countingSubgroup)
	if err != nil {
		return fmt.Errorf("this node is not in the counting subgroup's initial shard: %w", err)
	}
	for i := 0; i < sendCount; i++ {
		if _, _, err := handle.OrderedSend(opIncrement, nil); err != nil {
			log.Errorf("derecho-demo: ordered_send %d failed: %v", i, err)
		}
	}
	g.BarrierSync()
	log.Infof("derecho-demo: sent %d messages, barrier drained", sendCount)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log derecholog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Errorf("derecho-demo: metrics server: %v", err)
	}
}

func singleShardLayout(sg ids.SubgroupID) view.LayoutFunc {
	return func(members []ids.NodeID) map[ids.SubgroupID]view.ShardView {
		shard := append([]ids.NodeID(nil), members...)
		return map[ids.SubgroupID]view.ShardView{
			sg: {SubgroupID: sg, Active: true, Shards: [][]ids.NodeID{shard}},
		}
	}
}
