package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opooladz/EOpod/internal/config"
	"github.com/opooladz/EOpod/internal/tpu"
)

// Run a command on the slice through the retry controller
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <command>...",
		Short: "Run a command on the TPU slice with retries and timeout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerFlag, _ := cmd.Flags().GetString("worker")
			retry, _ := cmd.Flags().GetInt("retry")
			delay, _ := cmd.Flags().GetInt("delay")
			timeout, _ := cmd.Flags().GetInt("timeout")
			noStream, _ := cmd.Flags().GetBool("no-stream")
			background, _ := cmd.Flags().GetBool("background")
			profileName, _ := cmd.Flags().GetString("config-name")

			worker, err := tpu.ParseWorker(workerFlag)
			if err != nil {
				return err
			}
			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}
			target.Worker = worker

			command := strings.Join(args, " ")
			mode := tpu.Streamed
			switch {
			case background:
				mode = tpu.Background
			case noStream:
				mode = tpu.Captured
			}
			spec := tpu.CommandSpec{Text: command, Target: target, Mode: mode}
			if timeout > 0 {
				spec.Timeout = time.Duration(timeout) * time.Second
			}

			logger := log.With().Str("profile", resolved).Logger()
			logger.Info().
				Str("project", target.Project).
				Str("zone", target.Zone).
				Str("tpu", target.SliceName).
				Str("worker", worker).
				Msg("executing command")

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctl := tpu.NewController(tpu.NewExecutor(logger), logger)
			start := time.Now()
			report := ctl.Run(cmd.Context(), spec, tpu.RetryPolicy{
				MaxAttempts: retry,
				Delay:       time.Duration(delay) * time.Second,
			})
			for _, f := range report.Failures {
				_ = store.RecordError(cmd.Context(), command, f.Kind.String()+": "+f.Detail)
			}

			switch report.Status {
			case tpu.StatusSucceeded:
				if background {
					fmt.Printf("command started in background with PID %s\n", report.Outcome.PID)
					fmt.Println("output will be saved to /tmp/nohup_*.out")
					fmt.Printf("check it with: eopod check-background %s\n", report.Outcome.PID)
					_ = store.RecordCommand(cmd.Context(), command, "background", "PID: "+report.Outcome.PID, resolved)
					return nil
				}
				output := "streamed output"
				if mode == tpu.Captured {
					output = report.Outcome.Stdout
					fmt.Print(output)
				}
				fmt.Printf("command completed in %s\n", time.Since(start).Round(time.Millisecond))
				_ = store.RecordCommand(cmd.Context(), command, "success", output, resolved)
				return nil
			case tpu.StatusAborted:
				_ = store.RecordCommand(cmd.Context(), command, "aborted", "", resolved)
				detail := "cancelled"
				if f, ok := report.LastFailure(); ok {
					detail = f.Detail
				}
				return fmt.Errorf("command aborted: %s", detail)
			default:
				_ = store.RecordCommand(cmd.Context(), command, "failed", "", resolved)
				return fmt.Errorf("command failed after %d attempts", report.Attempts)
			}
		},
	}
	cmd.Flags().String("worker", tpu.WorkerAll, `specific worker index or "all"`)
	cmd.Flags().Int("retry", 1, "number of attempts for failed commands")
	cmd.Flags().Int("delay", 5, "delay between retries in seconds")
	cmd.Flags().Int("timeout", 0, "per-attempt timeout in seconds (0 disables)")
	cmd.Flags().Bool("no-stream", false, "capture output instead of streaming it")
	cmd.Flags().Bool("background", false, "run command in background (nohup-like)")
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

// Inspect detached processes
func newCheckBackgroundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-background [pid]...",
		Short: "Check status of background processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			workerFlag, _ := cmd.Flags().GetString("worker")
			profileName, _ := cmd.Flags().GetString("config-name")

			worker, err := tpu.ParseWorker(workerFlag)
			if err != nil {
				return err
			}
			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}
			target.Worker = worker

			command := "ps aux | grep nohup"
			if len(args) > 0 {
				command = fmt.Sprintf("ps -p %s -f", strings.Join(args, " "))
			}

			exec := tpu.NewExecutor(log.With().Str("profile", resolved).Logger())
			outcome, err := exec.Execute(cmd.Context(), tpu.CommandSpec{Text: command, Target: target, Mode: tpu.Captured})
			if err != nil {
				return err
			}
			if !outcome.OK() {
				return fmt.Errorf("checking background processes failed: %s", strings.TrimSpace(outcome.Stderr))
			}
			fmt.Print(outcome.Stdout)
			return nil
		},
	}
	cmd.Flags().String("worker", tpu.WorkerAll, `specific worker index or "all"`)
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

// Kill explicit PIDs
func newKillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <pid>...",
		Short: "Kill background processes by PID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerFlag, _ := cmd.Flags().GetString("worker")
			force, _ := cmd.Flags().GetBool("force")
			profileName, _ := cmd.Flags().GetString("config-name")

			worker, err := tpu.ParseWorker(workerFlag)
			if err != nil {
				return err
			}
			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}
			target.Worker = worker

			pids := strings.Join(args, " ")
			signal := "-15"
			if force {
				signal = "-9"
			}
			exec := tpu.NewExecutor(log.With().Str("profile", resolved).Logger())
			outcome, err := exec.Execute(cmd.Context(), tpu.CommandSpec{
				Text:   fmt.Sprintf("kill %s %s", signal, pids),
				Target: target,
				Mode:   tpu.Captured,
			})
			if err != nil {
				return err
			}
			if !outcome.OK() {
				return fmt.Errorf("killing process(es) %s failed: %s", pids, strings.TrimSpace(outcome.Stderr))
			}
			fmt.Printf("killed process(es) %s\n", pids)
			return nil
		},
	}
	cmd.Flags().String("worker", tpu.WorkerAll, `specific worker index or "all"`)
	cmd.Flags().Bool("force", false, "force kill the process")
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

// Fleet-wide scan, kill and cleanup of accelerator processes
func newKillTPUCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-tpu",
		Short: "Kill processes holding TPU resources across the slice",
		RunE: func(cmd *cobra.Command, args []string) error {
			workerFlag, _ := cmd.Flags().GetString("worker")
			force, _ := cmd.Flags().GetBool("force")
			yes, _ := cmd.Flags().GetBool("yes")
			onlyPIDs, _ := cmd.Flags().GetIntSlice("pid")
			profileName, _ := cmd.Flags().GetString("config-name")

			worker, err := tpu.ParseWorker(workerFlag)
			if err != nil {
				return err
			}
			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}

			logger := log.With().Str("profile", resolved).Logger()
			exec := tpu.NewExecutor(logger)

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// Status gates fan-out sizing; its failure is fatal.
			status, err := exec.Describe(cmd.Context(), target)
			if err != nil {
				_ = store.RecordError(cmd.Context(), "kill-tpu", err.Error())
				return err
			}

			workers := status.WorkerIndices()
			if worker != tpu.WorkerAll {
				index, _ := strconv.Atoi(worker)
				workers = []int{index}
			}

			sweeper := tpu.NewSweeper(exec, logger)
			fmt.Printf("scanning %d worker(s) for TPU processes...\n", len(workers))
			procs := sweeper.Scan(cmd.Context(), target, workers)
			if len(procs) == 0 {
				fmt.Println("no TPU processes found")
				return nil
			}
			for _, rec := range tpu.Records(procs) {
				fmt.Printf("worker %d: pid %d\n", rec.Worker, rec.PID)
			}

			if len(onlyPIDs) > 0 {
				procs = tpu.FilterPIDs(procs, onlyPIDs)
				if len(procs) == 0 {
					fmt.Println("no matching TPU processes found")
					return nil
				}
			}

			if !force && !yes && !confirm("kill these processes?") {
				return nil
			}

			kills := sweeper.Kill(cmd.Context(), target, procs, force)
			for _, k := range kills {
				if k.OK {
					fmt.Printf("killed process %d on worker %d\n", k.PID, k.Worker)
				} else {
					fmt.Printf("failed to kill process %d on worker %d: %s\n", k.PID, k.Worker, k.Detail)
					_ = store.RecordError(cmd.Context(), "kill-tpu", fmt.Sprintf("worker %d pid %d: %s", k.Worker, k.PID, k.Detail))
				}
			}

			// Remediate only the workers that had processes killed.
			cleaned := sweeper.Cleanup(cmd.Context(), target, sortedKeys(procs))
			for _, c := range cleaned {
				if !c.OK {
					logger.Warn().Int("worker", c.Worker).Str("command", c.Command).Str("detail", c.Detail).Msg("cleanup command failed")
				}
			}

			final, err := exec.Describe(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Printf("current TPU state: %s\n", final.State)
			return nil
		},
	}
	cmd.Flags().String("worker", tpu.WorkerAll, `specific worker index or "all"`)
	cmd.Flags().Bool("force", false, "force kill all processes (SIGKILL, no confirmation)")
	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	cmd.Flags().IntSlice("pid", nil, "specific PIDs to kill")
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

// Report accelerator utilization
func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show TPU chip utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			install, _ := cmd.Flags().GetBool("install-tpuinfo")
			profileName, _ := cmd.Flags().GetString("config-name")

			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}
			exec := tpu.NewExecutor(log.With().Str("profile", resolved).Logger())

			if install {
				if _, err := exec.Execute(cmd.Context(), tpu.CommandSpec{
					Text:   tpu.InstallUsageToolCommand,
					Target: target,
					Mode:   tpu.Captured,
				}); err != nil {
					return err
				}
			}

			outcome, err := exec.Execute(cmd.Context(), tpu.CommandSpec{
				Text:   tpu.UsageCommand,
				Target: target,
				Mode:   tpu.Captured,
			})
			if err != nil {
				return err
			}
			rows := tpu.ParseDeviceUsage(outcome.Stdout)
			if len(rows) == 0 {
				return fmt.Errorf("no utilization data returned; try --install-tpuinfo first")
			}
			table := newTable("Device Index", "Memory Usage", "Duty Cycle")
			for _, row := range rows {
				table.Append([]string{fmt.Sprintf("%d", row.Index), row.Memory, row.DutyCycle})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("install-tpuinfo", false, "install tpu-info first (for first time only)")
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
