package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/presto/internal/runtime"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

var (
	withIngress  bool
	redriveLimit int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the kind's input queue and run its kernel",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, svc, cleanup, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer cleanup()

		w, err := svc.NewWorker(ctx, "")
		if err != nil {
			return err
		}
		return svc.Run(ctx, withMetrics(svc, w)...)
	},
}

var processorCmd = &cobra.Command{
	Use:   "processor",
	Short: "Deliver the kind's output messages to their callback URLs",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, svc, cleanup, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := svc.NewProcessor(ctx, "")
		if err != nil {
			return err
		}
		return svc.Run(ctx, withMetrics(svc, p)...)
	},
}

var ingressCmd = &cobra.Command{
	Use:   "ingress",
	Short: "Serve the HTTP ingress API",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, svc, cleanup, err := bootstrap(false)
		if err != nil {
			return err
		}
		defer cleanup()

		return svc.Run(ctx, withMetrics(svc, runtimepkg.RunnerFunc(svc.ServeIngress))...)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker and a processor for the kind in one process",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, svc, cleanup, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer cleanup()

		w, err := svc.NewWorker(ctx, "")
		if err != nil {
			return err
		}
		p, err := svc.NewProcessor(ctx, "")
		if err != nil {
			return err
		}
		runners := []runtimepkg.Runner{w, p}
		if withIngress {
			runners = append(runners, runtimepkg.RunnerFunc(svc.ServeIngress))
		}
		return svc.Run(ctx, withMetrics(svc, runners...)...)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [file]",
	Short: "Validate an item and put it on the kind's input queue",
	Long:  `Reads a JSON item from the given file, or from stdin when the file is "-" or omitted.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		ctx, svc, cleanup, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer cleanup()

		receipt, err := svc.NewEnqueuer().Enqueue(ctx, svc.Conf.Kind, raw)
		if err != nil {
			return err
		}
		return jsoncodec.Encode(cmd.OutOrStdout(), receipt)
	},
}

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Move dead-lettered messages back to the kind's input queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, svc, cleanup, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer cleanup()

		w, err := svc.NewWorker(ctx, "")
		if err != nil {
			return err
		}
		moved, err := w.Redrive(ctx, redriveLimit)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "redriven %d message(s)\n", moved)
		return err
	},
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the kinds this binary can process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry()
		if err != nil {
			return err
		}
		for _, kind := range reg.Kinds() {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), kind); err != nil {
				return err
			}
		}
		return nil
	},
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func init() { //nolint:gochecknoinits // cobra command registration
	runCmd.Flags().BoolVar(&withIngress, "ingress", false, "also serve the HTTP ingress API")
	redriveCmd.Flags().IntVar(&redriveLimit, "limit", 0, "maximum messages to move (0 for all)")

	rootCmd.AddCommand(workerCmd, processorCmd, ingressCmd, runCmd, enqueueCmd, redriveCmd, kindsCmd)
}
