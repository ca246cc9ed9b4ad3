// Command netsim runs a host and a few clients against each other over a
// chosen link, with optional packet loss and latency, and prints what the
// replication layer did.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"

	"github.com/zeusync/netcore/internal/core/config"
	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/replicators"
)

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:y,wk:wk,d:d,h:h,m:m,s:s,ms:ms,us:us")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "netsim:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("netsim", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "YAML configuration file")
		level      = fs.String("log", "", "log level override")
		formation  = fs.String("formation", "line", "initial formation: line, column or wedge")
		loss       = fs.Float64("loss", 0, "packet loss percentage")
		latency    = fs.Duration("latency", 0, "one-way latency")
		jitter     = fs.Duration("jitter", 0, "latency jitter")
		opts       options
	)
	fs.StringVar(&opts.Link, "link", "loopback", "link backend: loopback, relay, websocket or quic")
	fs.IntVar(&opts.Clients, "clients", 2, "number of clients")
	fs.IntVar(&opts.Units, "units", 5, "units per client squad")
	fs.DurationVar(&opts.Duration, "duration", 20*time.Second, "simulated time")
	fs.DurationVar(&opts.Step, "step", 10*time.Millisecond, "simulation step")
	fs.DurationVar(&opts.Orders, "orders", 4*time.Second, "interval between squad orders")
	fs.BoolVar(&opts.Fog, "fog", false, "gate unit replication on fog of war")
	fs.IntVar(&opts.Parallel, "parallel", 4, "clients stepped concurrently")
	fs.Int64Var(&opts.Seed, "seed", 1, "random seed for orders and faults")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if *loss > 0 || *latency > 0 || *jitter > 0 {
		f := &cfg.Transport.Faults
		f.Enabled = true
		f.PacketLoss = *loss
		f.LatencyMin = *latency
		f.LatencyMax = *latency
		f.Jitter = *jitter
		f.Seed = opts.Seed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	var err error
	if opts.Formation, err = parseFormation(*formation); err != nil {
		return err
	}
	if opts.Clients < 1 || opts.Units < 1 {
		return fmt.Errorf("need at least one client and one unit")
	}
	if opts.Step <= 0 {
		return fmt.Errorf("step must be positive, got %s", opts.Step)
	}

	logger := log.NewWithOutput(cfg.LogLevel(), cfg.Log.Outputs...)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopCh)
	go func() {
		select {
		case <-stopCh:
			logger.Info("Interrupted, stopping simulation")
			cancel()
		case <-ctx.Done():
		}
	}()

	sim, err := newSimulation(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	started := time.Now()
	simulated := sim.Run(ctx)
	report(out, sim, simulated, time.Since(started))
	return nil
}

func parseFormation(s string) (replicators.Formation, error) {
	for _, f := range []replicators.Formation{replicators.FormationLine, replicators.FormationColumn, replicators.FormationWedge} {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown formation %q", s)
}

func report(out io.Writer, sim *simulation, simulated, wall time.Duration) {
	fmt.Fprintf(out, "link %s: simulated %s in %s\n",
		sim.backend.name,
		durafmt.Parse(simulated).LimitFirstN(2).Format(shortUnits),
		durafmt.Parse(wall.Round(time.Millisecond)).LimitFirstN(2).Format(shortUnits),
	)

	nodes := append([]*node{sim.host}, sim.clients...)
	for _, n := range nodes {
		st := n.session.Transport().Stats()
		fmt.Fprintf(out, "\nplayer %d\n", n.session.PlayerID())
		fmt.Fprintf(out, "  transport: sent %s in %s packets, received %s in %s packets\n",
			humanize.Bytes(st.BytesSent), humanize.Comma(int64(st.PacketsSent)),
			humanize.Bytes(st.BytesReceived), humanize.Comma(int64(st.PacketsReceived)),
		)
		fmt.Fprintf(out, "  losses: %d lost, %d dropped, %d retransmitted, %d duplicates\n",
			st.PacketsLost, st.PacketsDropped, st.Retransmits, st.Duplicates)
		fmt.Fprintf(out, "  %s\n", n.session.Replication().DebugInfo())
	}

	fmt.Fprintln(out)
	for _, c := range sim.clients {
		drift, seen := sim.Drift(c)
		fmt.Fprintf(out, "player %d sees %d units, mean display drift %.2f\n", c.session.PlayerID(), seen, drift)
	}
	for _, c := range sim.Captures() {
		fmt.Fprintf(out, "territory %d captured by team %d (was %d)\n", c.NetworkID, c.Team, c.Previous)
	}
}
