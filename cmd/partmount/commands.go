package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jgarman/partmount/internal/config"
	"github.com/jgarman/partmount/internal/diskmanager"
	"github.com/jgarman/partmount/internal/loop"
	"github.com/jgarman/partmount/internal/mkfs"
	"github.com/jgarman/partmount/internal/mounter"
	"github.com/jgarman/partmount/internal/partition"
	"github.com/jgarman/partmount/internal/system"
)

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	cfg        *config.Config

	// dependencies builds the manager's capabilities from the loaded config.
	dependencies func(cfg *config.Config) diskmanager.Dependencies
	tableReader  partition.TableReader
}

func newApp(stdout, stderr io.Writer) *app {
	runner := system.NewExecRunner()
	return &app{
		stdout: stdout,
		stderr: stderr,
		dependencies: func(cfg *config.Config) diskmanager.Dependencies {
			return dependencies(cfg, runner)
		},
		tableReader: partition.NewDiskfsReader(),
	}
}

// dependencies wires the real implementations selected by cfg.
func dependencies(cfg *config.Config, runner system.Runner) diskmanager.Dependencies {
	deps := diskmanager.DefaultDependencies(runner)

	switch cfg.Loop.Backend {
	case config.BackendIoctl:
		deps.Attacher = loop.NewIoctl()
	default:
		deps.Attacher = loop.NewLosetup(runner, cfg.Loop.LosetupPath)
	}
	deps.Creator = mkfs.NewCreator(runner, cfg.Mkfs.Tools())
	deps.Mounter = mounter.NewCommandMounter(runner, cfg.Mount.Command)

	return deps
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "partmount",
		Short:         "Mount, format and dump partitions inside disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides config)")

	root.AddCommand(
		a.mountCommand(),
		a.formatCommand(),
		a.dumpCommand(),
		a.listCommand(),
		a.configCommand(),
	)
	return root
}

// skipConfigLoad marks commands that run on the default config without
// reading the file, so a broken file cannot block them.
const skipConfigLoad = "partmount/skip-config-load"

// setup loads the config and configures logging. It runs before every
// subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if _, skip := cmd.Annotations[skipConfigLoad]; !skip {
		loaded, err := config.Load(config.Path(a.configPath))
		if err != nil {
			return err
		}
		cfg = loaded
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	logrus.SetOutput(a.stderr)
	if err := log.SetLevel(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return nil
}

func (a *app) manager(device string, number int) (*diskmanager.Manager, error) {
	return diskmanager.New(diskmanager.Config{
		DevicePath:      device,
		PartitionNumber: number,
		ZeroChunkSize:   a.cfg.IO.ZeroChunkSize,
		CopyChunkSize:   a.cfg.IO.CopyChunkSize,
	}, a.dependencies(a.cfg))
}

func partitionFlag(cmd *cobra.Command, number *int) {
	cmd.Flags().IntVarP(number, "partition-number", "p", 0, "partition number, starting at 1")
	_ = cmd.MarkFlagRequired("partition-number")
}

func (a *app) mountCommand() *cobra.Command {
	var (
		number   int
		readOnly bool
		fsType   string
	)

	cmd := &cobra.Command{
		Use:   "mount <device> <mountpoint>",
		Short: "Mount one partition of an image through a loop device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.manager(args[0], number)
			if err != nil {
				return err
			}
			opts := mounter.Options{
				ReadOnly: readOnly || a.cfg.Mount.ReadOnly,
				FSType:   fsType,
			}
			return manager.Mount(cmd.Context(), args[1], opts)
		},
	}
	partitionFlag(cmd, &number)
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount read-only")
	cmd.Flags().StringVar(&fsType, "fs-type", "", "filesystem type passed to mount -t (default: autodetect)")
	return cmd
}

func (a *app) formatCommand() *cobra.Command {
	var (
		number int
		fsType string
	)

	cmd := &cobra.Command{
		Use:   "format <device>",
		Short: "Zero one partition of an image and create a filesystem on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := mkfs.ParseKind(fsType)
			if err != nil {
				return err
			}
			manager, err := a.manager(args[0], number)
			if err != nil {
				return err
			}
			return manager.Format(cmd.Context(), kind)
		},
	}
	partitionFlag(cmd, &number)
	cmd.Flags().StringVar(&fsType, "fs-type", "", "filesystem to create: vfat or ext4")
	_ = cmd.MarkFlagRequired("fs-type")
	return cmd
}

func (a *app) dumpCommand() *cobra.Command {
	var number int

	cmd := &cobra.Command{
		Use:   "dump <device> <output>",
		Short: "Copy the raw bytes of one partition to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.manager(args[0], number)
			if err != nil {
				return err
			}
			n, err := manager.Dump(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d bytes written to %s\n", n, args[1])
			return nil
		},
	}
	partitionFlag(cmd, &number)
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <device>",
		Short: "Print the partition table of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.tableReader.ReadTable(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "%s table, sector size %d\n", table.Type, table.SectorSize)
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NUMBER\tSTART\tSECTORS\tOFFSET\tBYTES\tNAME")
			for _, e := range table.Partitions {
				r := table.Region(e)
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\n", e.Number, e.StartSector, e.LengthSectors, r.Offset, r.Length, e.Name)
			}
			return w.Flush()
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the partmount config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "init [file]",
		Short:       "Write the default configuration",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfigLoad: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(a.configPath)
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			log.G(cmd.Context()).WithField("path", path).Info("wrote default config")
			return nil
		},
	})
	return cmd
}
