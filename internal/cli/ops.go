package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/internal/aggregator"
	"github.com/ChuLiYu/trainfleet/internal/discovery"
	"github.com/ChuLiYu/trainfleet/internal/jobgen"
	"github.com/ChuLiYu/trainfleet/internal/storage/recordlog"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

const rpcTimeout = 10 * time.Second

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var (
		jobFile   string
		coordAddr string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a YAML job file",
		Long: `Read job definitions (a jobs: list and/or a sweep: grid) from a YAML file
and submit them to the coordinator. Jobs are submitted in file order; a
rejected job is reported and the rest are still submitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			specs, err := jobgen.LoadFile(jobFile)
			if err != nil {
				return err
			}
			addr := coordinatorAddr(coordAddr, cfg)
			return withClient(cmd.Context(), addr, rpcTimeout, func(ctx context.Context, client fleetv1.CoordinatorClient) error {
				return enqueueJobs(ctx, client, specs, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "YAML file containing job definitions")
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "coordinator API address")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueJobs(ctx context.Context, client fleetv1.CoordinatorClient, specs []types.JobSpec, out io.Writer) error {
	var failed []error
	submitted := 0
	for _, spec := range specs {
		resp, err := client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{Job: fleetv1.JobSpecFromTypes(spec)})
		if err != nil {
			err = fleetv1.FromStatus(err)
			fmt.Fprintf(out, "rejected %s: %v\n", spec.ID, err)
			failed = append(failed, fmt.Errorf("%s: %w", spec.ID, err))
			continue
		}
		fmt.Fprintf(out, "enqueued %s\n", resp.JobId)
		submitted++
	}
	fmt.Fprintf(out, "Submitted %d/%d jobs\n", submitted, len(specs))
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) rejected: %w", len(failed), errors.Join(failed...))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		coordAddr string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  "Display registered workers and job queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr := coordinatorAddr(coordAddr, cfg)
			return withClient(cmd.Context(), addr, rpcTimeout, func(ctx context.Context, client fleetv1.CoordinatorClient) error {
				resp, err := client.Status(ctx, &fleetv1.StatusRequest{})
				if err != nil {
					return fmt.Errorf("status: %w", fleetv1.FromStatus(err))
				}
				summary := resp.ToSummary()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), summary)
				}
				printStatus(cmd.OutOrStdout(), addr, summary)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "coordinator API address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")

	return cmd
}

func printStatus(out io.Writer, addr string, s types.StatusSummary) {
	fmt.Fprintf(out, "Coordinator: %s (up %s)\n\n", addr, s.Uptime.Truncate(time.Second))

	total := s.Queue.Pending + s.Queue.Assigned + s.Queue.Completed + s.Queue.Failed
	fmt.Fprintln(out, "Jobs:")
	fmt.Fprintf(out, "  Total:      %d\n", total)
	fmt.Fprintf(out, "  Pending:    %d\n", s.Queue.Pending)
	fmt.Fprintf(out, "  In-flight:  %d\n", s.Queue.Assigned)
	fmt.Fprintf(out, "  Completed:  %d\n", s.Queue.Completed)
	fmt.Fprintf(out, "  Failed:     %d\n", s.Queue.Failed)
	if len(s.FailedJobs) > 0 {
		ids := make([]string, len(s.FailedJobs))
		for i, id := range s.FailedJobs {
			ids[i] = string(id)
		}
		fmt.Fprintf(out, "  Failed ids: %s\n", strings.Join(ids, ", "))
	}
	fmt.Fprintf(out, "  Results:    %d\n\n", s.Results)

	fmt.Fprintf(out, "Workers (%d):\n", len(s.Workers))
	if len(s.Workers) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ADDRESS\tHOSTNAME\tSTATUS\tJOB\tLAST HEARTBEAT")
	for _, w := range s.Workers {
		job := string(w.CurrentJob)
		if job == "" {
			job = "-"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", w.Address, w.Hostname, w.Status, job, w.LastHeartbeat.Format(time.RFC3339))
	}
	tw.Flush()
}

// ============================================================================
// results
// ============================================================================

func buildResultsCommand() *cobra.Command {
	var (
		coordAddr string
		file      string
		jobID     string
		failed    bool
		succeeded bool
	)

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Export completed job results as JSON lines",
		Long: `Print completed attempts as JSON lines, either live from the coordinator
or offline from a results log (--file).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failed && succeeded {
				return errors.New("--failed and --succeeded are mutually exclusive")
			}
			filter := aggregator.Filter{JobID: types.JobID(jobID)}
			switch {
			case failed:
				filter.Success = new(bool)
			case succeeded:
				ok := true
				filter.Success = &ok
			}

			if file != "" {
				recs, err := readResultsFile(file, filter)
				if err != nil {
					return err
				}
				return writeJSONLines(cmd.OutOrStdout(), recs)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr := coordinatorAddr(coordAddr, cfg)
			return withClient(cmd.Context(), addr, rpcTimeout, func(ctx context.Context, client fleetv1.CoordinatorClient) error {
				resp, err := client.ListResults(ctx, &fleetv1.ListResultsRequest{JobId: jobID, Success: filter.Success})
				if err != nil {
					return fmt.Errorf("results: %w", fleetv1.FromStatus(err))
				}
				recs := make([]types.CompletedJobRecord, 0, len(resp.Records))
				for _, r := range resp.Records {
					recs = append(recs, r.ToRecord())
				}
				return writeJSONLines(cmd.OutOrStdout(), recs)
			})
		},
	}

	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "coordinator API address")
	cmd.Flags().StringVar(&file, "file", "", "read a results log instead of asking the coordinator")
	cmd.Flags().StringVar(&jobID, "job", "", "only this job id")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed attempts")
	cmd.Flags().BoolVar(&succeeded, "succeeded", false, "only successful attempts")

	return cmd
}

func readResultsFile(path string, filter aggregator.Filter) ([]types.CompletedJobRecord, error) {
	recs, err := recordlog.ReadAll(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results log: %w", err)
	}
	agg := aggregator.New(nil)
	agg.Load(recs)
	return agg.Query(filter), nil
}

// ============================================================================
// discover
// ============================================================================

func buildDiscoverCommand() *cobra.Command {
	var (
		timeout time.Duration
		apiPort int
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast a discovery probe and list answering agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Discovery.ProbeTimeout
			}
			peers, err := discovery.Probe(cmd.Context(), discovery.Config{
				Port:          cfg.Discovery.Port,
				BroadcastAddr: cfg.Discovery.BroadcastAddr,
				ProbeTimeout:  timeout,
				APIPort:       apiPort,
			})
			if err != nil {
				return err
			}
			printPeers(cmd.OutOrStdout(), peers)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply window (default discovery.probe_timeout)")
	cmd.Flags().IntVar(&apiPort, "api-port", 50051, "API port advertised in the probe")

	return cmd
}

func printPeers(out io.Writer, peers []discovery.Peer) {
	fmt.Fprintf(out, "%d agent(s) answered\n", len(peers))
	if len(peers) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tHOSTNAME\tCAPABILITIES")
	for _, p := range peers {
		keys := make([]string, 0, len(p.Capabilities))
		for k := range p.Capabilities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		caps := make([]string, len(keys))
		for i, k := range keys {
			caps[i] = k + "=" + p.Capabilities[k]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Address, p.Hostname, strings.Join(caps, ","))
	}
	tw.Flush()
}

// ============================================================================
// output helpers
// ============================================================================

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLines(out io.Writer, recs []types.CompletedJobRecord) error {
	enc := json.NewEncoder(out)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
