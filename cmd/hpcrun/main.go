package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hpcrun/hpcrun/internal/config"
	"github.com/hpcrun/hpcrun/internal/events"
	"github.com/hpcrun/hpcrun/internal/ledger"
	"github.com/hpcrun/hpcrun/internal/models"
	"github.com/hpcrun/hpcrun/internal/orchestrator"
	"github.com/hpcrun/hpcrun/internal/script"
	"github.com/hpcrun/hpcrun/internal/sshconn"
)

var configPath string

// app bundles everything a command needs, built lazily so `config
// init` works before any cluster settings exist.
type app struct {
	cfg      *config.Config
	store    *ledger.Store
	recorder *events.Recorder
	manager  *sshconn.Manager
	orch     *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(); err != nil {
		store.Close()
		return nil, err
	}

	recorder := events.New(store)
	manager := sshconn.NewManager(&sshconn.Dialer{
		Addr:          cfg.Addr(),
		Host:          cfg.Host,
		User:          cfg.User,
		IdentityFiles: cfg.IdentityFiles,
	})

	paths := script.NewClusterPaths(cfg.ScratchRoot, cfg.User)
	orch := orchestrator.New(manager, store, recorder, paths, cfg.ResultsDir,
		orchestrator.WithProgress(func(msg string) { fmt.Println(msg) }))

	return &app{cfg: cfg, store: store, recorder: recorder, manager: manager, orch: orch}, nil
}

func (a *app) close() {
	a.recorder.Close()
	a.manager.Close()
	a.store.Close()
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "hpcrun",
		Short:         "Submit local source files to a Slurm cluster and track them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.hpcrun.yaml)")

	rootCmd.AddCommand(
		submitCommand(),
		jobsCommand(),
		pollCommand(),
		fetchCommand(),
		logsCommand(),
		cleanCommand(),
		rmCommand(),
		watchCommand(),
		configCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func submitCommand() *cobra.Command {
	var (
		name        string
		inputs      []string
		partition   string
		cpus        int
		gpus        int
		memory      string
		timeLimit   string
		venv        string
		optFlag     string
		cflags      []string
		custom      string
		configure   string
		buildCmdStr string
		runCmdStr   string
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a source file for remote execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			src := args[0]
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("source file: %w", err)
			}

			res := models.ResourceRequest{
				Partition: partition, CPUs: cpus, GPUs: gpus, Memory: memory, TimeLimit: timeLimit,
			}
			d := a.cfg.Defaults
			if res.Partition == "" {
				res.Partition = d.Partition
			}
			if res.CPUs == 0 {
				res.CPUs = d.CPUs
			}
			if res.GPUs == 0 {
				res.GPUs = d.GPUs
			}
			if res.Memory == "" {
				res.Memory = d.Memory
			}
			if res.TimeLimit == "" {
				res.TimeLimit = d.TimeLimit
			}
			if venv == "" {
				venv = d.Venv
			}

			job, err := a.orch.Submit(orchestrator.SubmitRequest{
				Name:       name,
				SourceFile: src,
				InputFiles: inputs,
				Resources:  res,
				Params: models.JobParams{
					Venv:          venv,
					OptFlag:       optFlag,
					CompilerFlags: cflags,
					UseCustom:     custom != "" || cmd.Flags().Changed("custom"),
					CustomCommand: custom,
					ConfigureCmd:  configure,
					BuildCmd:      buildCmdStr,
					RunCmd:        runCmdStr,
				},
			})
			if err != nil {
				return err
			}

			fmt.Printf("Job submitted! ID: %s (scheduler id: %s)\n", job.ID, orDash(job.SchedulerID))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (default: file basename)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "auxiliary input file (repeatable)")
	cmd.Flags().StringVar(&partition, "partition", "", "scheduler partition")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "CPU count")
	cmd.Flags().IntVar(&gpus, "gpus", 0, "GPU count")
	cmd.Flags().StringVar(&memory, "mem", "", "memory, e.g. 16G")
	cmd.Flags().StringVar(&timeLimit, "time", "", "wall-clock limit, HH:MM:SS")
	cmd.Flags().StringVar(&venv, "venv", "", "runtime environment name (Python/notebook jobs)")
	cmd.Flags().StringVar(&optFlag, "opt", "", "optimization level for compiled jobs, e.g. -O2")
	cmd.Flags().StringArrayVar(&cflags, "cflag", nil, "extra compiler flag (repeatable)")
	cmd.Flags().StringVar(&custom, "custom", "", "custom execution command replacing the recipe default")
	cmd.Flags().StringVar(&configure, "configure-cmd", "", "configure step override (Makefile jobs)")
	cmd.Flags().StringVar(&buildCmdStr, "build-cmd", "", "build step override (Makefile jobs)")
	cmd.Flags().StringVar(&runCmdStr, "run-cmd", "", "run step override (Makefile jobs)")
	return cmd
}

func jobsCommand() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List tracked jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.store.Jobs()
			if err != nil {
				return err
			}
			printJobs(jobs, activeOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "show only non-terminal jobs")
	return cmd
}

func pollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Refresh the status of all non-terminal jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.orch.Poll()
			if err != nil {
				return err
			}
			printJobs(jobs, false)
			return nil
		},
	}
}

func fetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <job-id>",
		Short: "Download a job's remote directory into the local results cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			dest, err := a.orch.Fetch(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Results in %s\n", dest)
			return nil
		},
	}
}

func logsCommand() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Tail a job's recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.orch.TailLogs(args[0], lines)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	return cmd
}

func cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <job-id>",
		Short: "Remove a job's remote directory (irreversible; local record stays)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Cleanup(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed remote directory for %s\n", args[0])
			return nil
		},
	}
}

func rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Delete a job from the local ledger (the remote side is untouched)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from the ledger\n", args[0])
			return nil
		},
	}
}

func watchCommand() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll on a schedule until every job reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			done := make(chan struct{})
			var doneOnce sync.Once
			c := cron.New()
			_, err = c.AddFunc(schedule, func() {
				jobs, err := a.orch.Poll()
				if err != nil {
					log.Printf("watch: poll failed: %v", err)
					return
				}
				printJobs(jobs, true)
				for _, j := range jobs {
					if !j.Status.Terminal() {
						return
					}
				}
				doneOnce.Do(func() { close(done) })
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

			c.Start()
			defer c.Stop()

			select {
			case <-done:
				fmt.Println("All jobs terminal.")
			case <-sigs:
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "every", "@every 30s", "poll schedule (cron expression or @every duration)")
	return cmd
}

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hpcrun configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, configPath); err != nil {
				return err
			}
			path := configPath
			if path == "" {
				path, _ = config.DefaultPath()
			}
			fmt.Printf("Wrote %s, fill in host and user before submitting.\n", path)
			return nil
		},
	})
	return cmd
}

func printJobs(jobs []models.Job, activeOnly bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSCHED ID\tSUBMITTED")
	for _, j := range jobs {
		if activeOnly && j.Status.Terminal() {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Status, orDash(j.SchedulerID), j.SubmittedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
