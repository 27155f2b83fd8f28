package cli

import (
	"fmt"
	"iter"
	"runtime"

	"emconv/internal/export"
	"emconv/internal/metadata"
	"emconv/internal/pipeline"
	"emconv/internal/server"
	"emconv/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emconv",
		Short: "emconv converts cryo-EM sets to and from Xmipp metadata",
		Long: `emconv moves particle, micrograph, volume, coordinate and defocus group sets
between sqlite set files and Xmipp STAR metadata, imports EMAN pick files and
legacy set databases, and serves set rows over HTTP and gRPC.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newImportCmd(root, pipeline.JobImportParticles, "particles", "alignment"))
	rootCmd.AddCommand(newImportCmd(root, pipeline.JobImportMicrographs, "micrographs", "plain"))
	rootCmd.AddCommand(newImportCmd(root, pipeline.JobImportVolumes, "volumes", "alignment"))
	rootCmd.AddCommand(newExportCmd(root, pipeline.JobExportParticles, "particles", "alignment"))
	rootCmd.AddCommand(newExportCmd(root, pipeline.JobExportMicrographs, "micrographs", "plain"))
	rootCmd.AddCommand(newExportCmd(root, pipeline.JobExportVolumes, "volumes", "alignment"))
	rootCmd.AddCommand(newExportCmd(root, pipeline.JobExportCoordinates, "coordinates", "plain"))
	rootCmd.AddCommand(newExportCmd(root, pipeline.JobExportDefocusGroups, "defocus groups", "plain"))
	rootCmd.AddCommand(newImportLegacyCmd(root))
	rootCmd.AddCommand(newExportXLSXCmd(root))
	rootCmd.AddCommand(newCoordsCmd(root))
	rootCmd.AddCommand(newMatrixCmd(root))
	rootCmd.AddCommand(newWizardCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// convFlags are the per-call conversion settings shared by the set commands.
type convFlags struct {
	dims    string
	purpose string
	inverse bool
}

func (f *convFlags) register(cmd *cobra.Command, root *Root, purpose string) {
	cmd.Flags().StringVar(&f.dims, "dims", root.cfg.Conversion.Dimensionality, "transform dimensionality (auto|2d|3d)")
	cmd.Flags().StringVar(&f.purpose, "purpose", purpose, "row purpose (plain|alignment)")
	cmd.Flags().BoolVar(&f.inverse, "inverse", root.cfg.Conversion.InverseTransform, "stored matrices already map in the row direction")
}

func (f *convFlags) options() map[string]any {
	return map[string]any{
		"dims":    f.dims,
		"purpose": f.purpose,
		"inverse": f.inverse,
		"source":  "cli",
	}
}

func newImportCmd(root *Root, jobType pipeline.JobType, noun, purpose string) *cobra.Command {
	var flags convFlags
	cmd := &cobra.Command{
		Use:   string(jobType) + " <metadata.xmd> <set.sqlite>",
		Short: fmt.Sprintf("Read %s from a metadata file into a set file", noun),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				ID:        newID("import"),
				Type:      jobType,
				InputPath: args[0],
				Output:    args[1],
				Options:   flags.options(),
			})
		},
	}
	flags.register(cmd, root, purpose)
	return cmd
}

func newExportCmd(root *Root, jobType pipeline.JobType, noun, purpose string) *cobra.Command {
	var flags convFlags
	cmd := &cobra.Command{
		Use:   string(jobType) + " <set.sqlite> <metadata.xmd>",
		Short: fmt.Sprintf("Write %s from a set file to a metadata file", noun),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				ID:        newID("export"),
				Type:      jobType,
				InputPath: args[0],
				Output:    args[1],
				Options:   flags.options(),
			})
		},
	}
	flags.register(cmd, root, purpose)
	return cmd
}

func newImportLegacyCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <legacy.sqlite> <set.sqlite>",
		Short: "Copy a legacy framework set database into a set file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runJob(cmd.Context(), pipeline.Job{
				ID:        newID("legacy"),
				Type:      pipeline.JobImportLegacy,
				InputPath: args[0],
				Output:    args[1],
				Options:   map[string]any{"source": "cli"},
			})
		},
	}
}

func newExportXLSXCmd(root *Root) *cobra.Command {
	var (
		flags convFlags
		sheet string
	)
	cmd := &cobra.Command{
		Use:   "export-xlsx <set.sqlite> <rows.xlsx>",
		Short: "Write the metadata rows of a set file to a spreadsheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, err := Defaults(root.cfg)
			if err != nil {
				return err
			}
			inverse := flags.inverse
			opts, err := defaults.Override(flags.dims, flags.purpose, &inverse)
			if err != nil {
				return err
			}
			set, err := storage.OpenSet(args[0])
			if err != nil {
				return err
			}
			defer set.Close()

			skipped := 0
			var rows iter.Seq[*metadata.Row] = func(yield func(*metadata.Row) bool) {
				for row, err := range root.converter().SetToRows(set, opts) {
					if err != nil {
						skipped++
						continue
					}
					if !yield(row) {
						return
					}
				}
			}
			header := root.converter().RowHeader(set, opts)
			n, err := export.WriteXLSX(args[1], sheet, header, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "wrote %d rows to %s (%d skipped)\n", n, args[1], skipped)
			return nil
		},
	}
	flags.register(cmd, root, "alignment")
	cmd.Flags().StringVar(&sheet, "sheet", export.DefaultSheet, "worksheet name")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		dataRoot string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC row service",
		Long: `Start an HTTP server for conversion runs and set row streaming, plus the
gRPC row service when a gRPC address is configured.

Examples:
  emconv serve --addr 127.0.0.1:8088
  emconv serve --grpc-addr "" --root /data/project`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, err := Defaults(root.cfg)
			if err != nil {
				return err
			}
			pipe, _ := root.pipeline.(*pipeline.Pipeline)

			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"root", dataRoot,
			)
			return root.serveFn(cmd.Context(), addr, grpcAddr, server.Deps{
				Store:     root.store,
				Pipeline:  pipe,
				Converter: root.converter(),
				Defaults:  defaults,
				Metrics:   root.metrics,
				Gatherer:  root.gatherer,
				Root:      dataRoot,
				Logger:    root.log,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringVar(&dataRoot, "root", root.cfg.Paths.WorkDir, "directory request paths are resolved against")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "emconv %s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
		},
	}
}
