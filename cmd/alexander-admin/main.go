// Package main is the entry point for the Alexander Lifecycle admin CLI.
// It runs single jobs, restores and project archivals from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-lifecycle/internal/app"
	"github.com/prn-tf/alexander-lifecycle/internal/config"
	"github.com/prn-tf/alexander-lifecycle/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads the config, wires the engine and runs fn with a context that
// is cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.NewLogger(cfg.Logging))
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:          "alexander-admin",
	Short:        "Alexander Lifecycle admin CLI",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Alexander Lifecycle Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List registered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			for _, name := range a.Runner.Jobs() {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var runJobCmd = &cobra.Command{
	Use:   "run-job <name>",
	Short: "Run one job once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			result, err := a.Runner.RunOnce(ctx, args[0])
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore archived and compressed files under a path prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		repo, _ := cmd.Flags().GetString("repo")
		prefix, _ := cmd.Flags().GetString("prefix")
		return withApp(func(ctx context.Context, a *app.App) error {
			out, err := a.Admin.RestoreByPrefix(ctx, service.RestoreInput{
				ProjectID: project,
				RepoName:  repo,
				Prefix:    prefix,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		})
	},
}

var archiveProjectCmd = &cobra.Command{
	Use:   "archive-project <project>",
	Short: "Archive the idle files of one project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withApp(func(ctx context.Context, a *app.App) error {
			result, err := a.Admin.ArchiveProject(ctx, args[0], days)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var archivableCmd = &cobra.Command{
	Use:   "archivable <project>",
	Short: "Show how much of a project could be archived",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		minSize, _ := cmd.Flags().GetInt64("min-size")
		return withApp(func(ctx context.Context, a *app.App) error {
			out, err := a.Admin.ArchivableSize(ctx, args[0], days, minSize)
			if err != nil {
				return err
			}
			return printJSON(out)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(runJobCmd)

	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().String("project", "", "project id")
	restoreCmd.Flags().String("repo", "", "repository name")
	restoreCmd.Flags().String("prefix", "/", "path prefix")
	_ = restoreCmd.MarkFlagRequired("project")
	_ = restoreCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(archiveProjectCmd)
	archiveProjectCmd.Flags().IntP("days", "d", 180, "minimum idle days")

	rootCmd.AddCommand(archivableCmd)
	archivableCmd.Flags().IntP("days", "d", 180, "minimum idle days")
	archivableCmd.Flags().Int64("min-size", 0, "only count files larger than this many bytes")
}
