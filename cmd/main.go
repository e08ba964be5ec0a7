package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/remaster/builder"
	"github.com/bibin-skaria/remaster/engine"
	"github.com/bibin-skaria/remaster/layers"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remaster",
		Short: "Remaster bootable live-OS images",
		Long: `Remaster rebuilds a bootable live-OS image from an existing one: it
extracts the image tree and appended boot partition, merges the compressed
root filesystem layers, applies a declarative mutation set, patches the
boot menus, and reconstructs a hybrid BIOS/UEFI image.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCleanCommand())
	cmd.AddCommand(newFormatsCommand())

	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		source      string
		output      string
		workDir     string
		keepWorkDir bool
		plainISO    bool
	)

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run the remaster pipeline",
		Long: `Run the full pipeline described by a remaster configuration file.
The source and output image paths from the config can be overridden on the
command line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := engine.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if source != "" {
				config.SourceImage = source
			}
			if output != "" {
				config.OutputImage = output
			}
			if workDir != "" {
				config.WorkDir = workDir
			}

			pipeline, err := engine.NewPipeline(config)
			if err != nil {
				return fmt.Errorf("failed to create pipeline: %v", err)
			}
			if plainISO {
				pipeline.SetReconstructor(builder.NewPlainISOReconstructor())
			}
			if !keepWorkDir {
				defer pipeline.Cleanup()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := pipeline.Run(ctx)
			for _, check := range result.Checks {
				status := "ok"
				if !check.OK {
					status = "FAILED"
				}
				fmt.Printf("check %-20s %s\n", check.Name, status)
			}
			for _, warning := range result.Warnings {
				fmt.Printf("warning: %s\n", warning)
			}
			if err != nil {
				if keepWorkDir {
					fmt.Printf("Working directory kept at %s\n", pipeline.WorkDir())
				}
				return fmt.Errorf("remaster failed in stage %s: %s", result.Stage, result.Error)
			}

			fmt.Printf("Remaster completed successfully!\n")
			fmt.Printf("Output: %s\n", result.OutputPath)
			if result.DegradedBootAsset {
				fmt.Printf("Note: boot partition was synthesized, UEFI boot is degraded\n")
			}
			fmt.Printf("Duration: %s\n", result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source image path (overrides config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output image path (overrides config)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "Parent directory for the run's working tree (default: system temp)")
	cmd.Flags().BoolVar(&keepWorkDir, "keep-work-dir", false, "Keep the working directory after the run")
	cmd.Flags().BoolVar(&plainISO, "plain-iso", false, "Build a plain non-bootable ISO without native tooling")

	return cmd
}

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean <config.yaml>",
		Short: "Remove the built output image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := engine.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := engine.Clean(config); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", config.OutputImage)
			return nil
		},
	}
	return cmd
}

func newFormatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List the supported filesystem container formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range layers.ListFormats() {
				format, err := layers.GetFormat(name)
				if err != nil {
					return err
				}
				tools := "none"
				if required := format.RequiredTools(); len(required) > 0 {
					tools = fmt.Sprintf("%v", required)
				}
				fmt.Printf("%-10s extension %-14s external tools: %s\n",
					format.Name(), format.Extension(), tools)
			}
			return nil
		},
	}
	return cmd
}

func init() {
	cobra.OnInitialize(func() {
		if os.Getenv("REMASTER_DEBUG") != "" {
			fmt.Fprintf(os.Stderr, "Remaster Debug Mode Enabled\n")
		}
	})
}
