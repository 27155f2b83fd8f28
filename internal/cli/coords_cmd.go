package cli

import (
	"errors"
	"fmt"
	"os"

	"emconv/internal/coords"
	"emconv/internal/pipeline"

	"github.com/spf13/cobra"
)

func newCoordsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coords",
		Short: "Inspect, import and follow EMAN pick files",
	}
	cmd.AddCommand(newCoordsListCmd(root))
	cmd.AddCommand(newCoordsImportCmd(root))
	cmd.AddCommand(newCoordsWatchCmd(root))
	return cmd
}

func newCoordsListCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "list <index.json>",
		Short: "List the pick files of an index and their box counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := coords.LoadIndex(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "box size: %d\n", idx.BoxSize)
			for _, id := range idx.IDs() {
				path, _ := idx.PickFile(id)
				picks, err := coords.ReadPickFile(path)
				switch {
				case errors.Is(err, os.ErrNotExist):
					fmt.Fprintf(root.out, "%6d  %s  missing\n", id, path)
				case err != nil:
					fmt.Fprintf(root.out, "%6d  %s  error: %v\n", id, path, err)
				default:
					fmt.Fprintf(root.out, "%6d  %s  %d boxes\n", id, path, len(picks))
				}
			}
			return nil
		},
	}
}

func newCoordsImportCmd(root *Root) *cobra.Command {
	var (
		micrographs string
		box         int
		clip        bool
	)
	cmd := &cobra.Command{
		Use:   "import <index.json> <coordinates.sqlite>",
		Short: "Import picked coordinates against a micrograph set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if micrographs == "" {
				return fmt.Errorf("--micrographs is required")
			}
			opts := map[string]any{
				"micrographs": micrographs,
				"clip":        clip,
				"source":      "cli",
			}
			if box > 0 {
				opts["boxSize"] = box
			}
			return root.runJob(cmd.Context(), pipeline.Job{
				ID:        newID("coords"),
				Type:      pipeline.JobImportCoordinates,
				InputPath: args[0],
				Output:    args[1],
				Options:   opts,
			})
		},
	}
	cmd.Flags().StringVar(&micrographs, "micrographs", "", "micrograph set the picks belong to")
	cmd.Flags().IntVar(&box, "box", root.cfg.Picking.BoxSize, "box size in pixels, 0 keeps the index value")
	cmd.Flags().BoolVar(&clip, "clip", root.cfg.Picking.ClipToBounds, "drop boxes that fall outside their micrograph")
	return cmd
}

func newCoordsWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <index.json>",
		Short: "Report pick files as a picker writes them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := coords.LoadIndex(args[0])
			if err != nil {
				return err
			}
			w, err := coords.NewWatcher(idx, root.log)
			if err != nil {
				return err
			}
			defer w.Close()
			w.Start()

			ctx := cmd.Context()
			root.log.Info("watching pick files", "index", args[0], "files", len(idx.Files))
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-w.Events():
					if !ok {
						return nil
					}
					if ev.Err != nil {
						fmt.Fprintf(root.out, "%6d  %s  error: %v\n", ev.MicrographID, ev.Path, ev.Err)
						continue
					}
					fmt.Fprintf(root.out, "%6d  %s  %d boxes\n", ev.MicrographID, ev.Path, ev.Count)
				}
			}
		},
	}
}
