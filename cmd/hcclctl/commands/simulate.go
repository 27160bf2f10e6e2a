package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/faulttolerance"
	"github.com/piwi3910/hcclrt/internal/hccl"
	"github.com/piwi3910/hcclrt/internal/portwatch"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// SimulateOptions configures an in-process run.
type SimulateOptions struct {
	Generation     string
	Compression    string
	Ranks          int
	LocalGroupSize int
	Iterations     int
	Count          uint64
	PortDown       int
	FailbackDelay  time.Duration
	Timeout        time.Duration
	Failback       bool
	LogCollectives bool
}

// NewSimulateCmd creates the simulate command.
func NewSimulateCmd() *cobra.Command {
	opts := SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a communicator end to end in-process",
		Long: `Start a bootstrap coordinator and one process context per rank on
simulated devices, build a communicator over every rank, run all-reduces and
optionally fail a scale-out port to exercise queue pair migration.

Examples:
  hcclctl simulate --ranks 16 --local-group-size 8
  hcclctl simulate --ranks 4 --local-group-size 2 --port-down 20 --failback`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			return Simulate(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Ranks, "ranks", 4, "Number of ranks")
	cmd.Flags().IntVar(&opts.LocalGroupSize, "local-group-size", 2, "Ranks per host")
	cmd.Flags().StringVar(&opts.Generation, "generation", "g3", "Device generation (g2, g3)")
	cmd.Flags().StringVar(&opts.Compression, "compression", "zstd", "Bootstrap payload compression (none, zstd, lz4)")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 8, "All-reduces per phase")
	cmd.Flags().Uint64Var(&opts.Count, "count", 1<<20, "Elements per all-reduce")
	cmd.Flags().IntVar(&opts.PortDown, "port-down", -1, "Scale-out port to fail after the first phase (-1 disables)")
	cmd.Flags().BoolVar(&opts.Failback, "failback", false, "Bring the failed port back up at the end")
	cmd.Flags().DurationVar(&opts.FailbackDelay, "failback-delay", 200*time.Millisecond, "Settle delay before failback")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "Overall time limit")
	cmd.Flags().BoolVar(&opts.LogCollectives, "log-collectives", false, "Report calls to the coordinator collective logger")

	return cmd
}

type simRank struct {
	proc *hccl.ProcessContext
	comm *hccl.Communicator
}

// Simulate runs the scenario described by opts and writes a per-rank
// summary to out.
func Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) error {
	if opts.Ranks <= 0 || opts.LocalGroupSize <= 0 || opts.Ranks%opts.LocalGroupSize != 0 {
		return fmt.Errorf("ranks (%d) must be a positive multiple of local-group-size (%d)", opts.Ranks, opts.LocalGroupSize)
	}

	gen, err := device.ParseGeneration(opts.Generation)
	if err != nil {
		return err
	}
	compression, err := bootstrap.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	logger := log.Logger.Level(zerolog.GlobalLevel())

	coord, err := bootstrap.NewCoordinator(bootstrap.CoordinatorConfig{
		Addr:        "127.0.0.1:0",
		Compression: compression,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(stopCtx)
	}()

	notifier := portwatch.NewLocalNotifier()
	defer func() { _ = notifier.Close() }()

	ranks := make([]*simRank, opts.Ranks)
	for r := range ranks {
		ranks[r] = &simRank{proc: hccl.NewProcessContext(hccl.Options{
			Coordinator: coord.Addr(),
			Compression: compression,
			Notifier:    notifier,
			Device: device.Config{
				ModuleID:       uint32(r % opts.LocalGroupSize),
				HostID:         uint32(r / opts.LocalGroupSize),
				LocalGroupSize: opts.LocalGroupSize,
				Generation:     gen,
			},
			FT: faulttolerance.Config{
				Enabled:         true,
				CompareSendRecv: true,
				FailbackDelay:   opts.FailbackDelay,
				Timeout:         opts.Timeout,
			},
			LogCollectives: opts.LogCollectives,
		})}
	}
	defer func() {
		for _, sr := range ranks {
			_ = sr.proc.Destroy()
		}
	}()

	start := time.Now()
	uid := hccltypes.NewUniqueID()

	g, gctx := errgroup.WithContext(ctx)
	for r, sr := range ranks {
		g.Go(func() error {
			cm, err := sr.proc.NewCommunicator(gctx, uid, opts.Ranks, hccltypes.Rank(r))
			sr.comm = cm
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("communicator construction failed: %w", err)
	}

	log.Info().
		Str("comm", uid.String()).
		Int("ranks", opts.Ranks).
		Dur("elapsed", time.Since(start)).
		Msg("Communicator constructed")

	if err := runPhase(ranks, opts); err != nil {
		return err
	}

	if opts.PortDown >= 0 {
		port := hccltypes.Port(opts.PortDown)

		dev, err := ranks[0].proc.Device()
		if err != nil {
			return err
		}
		if !dev.ScaleOutMask().Has(port) {
			return fmt.Errorf("port %d is not a scale-out port of %s", port, gen)
		}

		if _, err := notifier.Publish(port, false); err != nil {
			return err
		}
		if err := waitMigrated(ctx, ranks, port); err != nil {
			return fmt.Errorf("migration did not settle: %w", err)
		}

		if err := runPhase(ranks, opts); err != nil {
			return err
		}

		if opts.Failback {
			if _, err := notifier.Publish(port, true); err != nil {
				return err
			}
			if err := waitHomed(ctx, ranks, port); err != nil {
				return fmt.Errorf("failback did not settle: %w", err)
			}
		}
	}

	return writeSummary(out, ranks, time.Since(start))
}

func runPhase(ranks []*simRank, opts SimulateOptions) error {
	var g errgroup.Group
	for _, sr := range ranks {
		g.Go(func() error {
			for i := 0; i < opts.Iterations; i++ {
				if err := sr.comm.AllReduce(0, 0, opts.Count, hccltypes.DataTypeFloat32, hccltypes.ReduceSum, 0); err != nil {
					return fmt.Errorf("rank %d all-reduce %d: %w", sr.comm.Rank(), i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func poll(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !done() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func waitMigrated(ctx context.Context, ranks []*simRank, port hccltypes.Port) error {
	return poll(ctx, func() bool {
		for _, sr := range ranks {
			if len(sr.comm.Comm().SlotsOnPort(port, nil)) != 0 {
				return false
			}
			if sr.comm.FTState() != faulttolerance.StateIdle || sr.comm.Gate().Stopped() {
				return false
			}
		}
		return true
	})
}

func waitHomed(ctx context.Context, ranks []*simRank, port hccltypes.Port) error {
	return poll(ctx, func() bool {
		for _, sr := range ranks {
			if !sr.comm.Comm().UsesScaleOut() {
				continue
			}
			if len(sr.comm.Comm().SlotsOnPort(port, nil)) == 0 || sr.comm.Gate().Stopped() {
				return false
			}
		}
		return true
	})
}

func writeSummary(out io.Writer, ranks []*simRank, elapsed time.Duration) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tHOST\tCOLLECTIVES\tFT STATE\tSCALE-OUT SLOTS\tERROR")

	for _, sr := range ranks {
		dev, err := sr.proc.Device()
		if err != nil {
			return err
		}

		slots := 0
		for _, port := range dev.ScaleOutPorts() {
			slots += len(sr.comm.Comm().SlotsOnPort(port, nil))
		}

		asyncErr := "-"
		if err := sr.comm.AsyncError(); err != nil {
			asyncErr = err.Error()
		}

		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\t%s\n",
			sr.comm.Rank(), dev.HostID(), sr.comm.Comm().Counters().Collective, sr.comm.FTState(), slots, asyncErr)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\n%d ranks finished in %s\n", len(ranks), elapsed.Round(time.Millisecond))
	return err
}
