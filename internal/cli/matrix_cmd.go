package cli

import (
	"fmt"

	"emconv/internal/geometry"

	"github.com/spf13/cobra"
)

type matrixFlags struct {
	is2D    bool
	inverse bool
}

func (f *matrixFlags) register(cmd *cobra.Command, root *Root) {
	cmd.Flags().BoolVar(&f.is2D, "2d", false, "use the in-plane convention")
	cmd.Flags().BoolVar(&f.inverse, "inverse", root.cfg.Conversion.InverseTransform, "matrix already maps in the row direction")
}

func (f *matrixFlags) convention(root *Root) geometry.Convention {
	return geometry.Convention{
		Is2D:             f.is2D,
		InverseTransform: f.inverse,
		Order:            geometry.AngleOrder(root.cfg.Conversion.AngleOrder),
		Tolerance:        root.cfg.Conversion.Tolerance,
	}
}

func newMatrixCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Convert between 4x4 transforms and shift/angle parameters",
	}
	cmd.AddCommand(newMatrixDecomposeCmd(root))
	cmd.AddCommand(newMatrixComposeCmd(root))
	return cmd
}

func newMatrixDecomposeCmd(root *Root) *cobra.Command {
	var flags matrixFlags
	cmd := &cobra.Command{
		Use:     "decompose <matrix>",
		Short:   "Print the shifts, Euler angles and flip of a matrix",
		Example: `  emconv matrix decompose '[[1,0,0,2],[0,1,0,3],[0,0,1,0],[0,0,0,1]]' --2d --inverse`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := geometry.ParseMatrix(args[0])
			if err != nil {
				return err
			}
			p, err := geometry.Decompose(m, flags.convention(root))
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "shiftX=%g shiftY=%g shiftZ=%g\n", p.ShiftX, p.ShiftY, p.ShiftZ)
			fmt.Fprintf(root.out, "rot=%g tilt=%g psi=%g\n", p.Rot, p.Tilt, p.Psi)
			fmt.Fprintf(root.out, "flip=%t\n", p.Flip)
			return nil
		},
	}
	flags.register(cmd, root)
	return cmd
}

func newMatrixComposeCmd(root *Root) *cobra.Command {
	var (
		flags matrixFlags
		p     geometry.Params
	)
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Build a matrix from shifts, Euler angles and flip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := geometry.Compose(p, flags.convention(root))
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, m.String())
			return nil
		},
	}
	flags.register(cmd, root)
	cmd.Flags().Float64Var(&p.ShiftX, "shift-x", 0, "shift along x")
	cmd.Flags().Float64Var(&p.ShiftY, "shift-y", 0, "shift along y")
	cmd.Flags().Float64Var(&p.ShiftZ, "shift-z", 0, "shift along z")
	cmd.Flags().Float64Var(&p.Rot, "rot", 0, "first rotation about z, degrees")
	cmd.Flags().Float64Var(&p.Tilt, "tilt", 0, "rotation about y, degrees")
	cmd.Flags().Float64Var(&p.Psi, "psi", 0, "second rotation about z, degrees")
	cmd.Flags().BoolVar(&p.Flip, "flip", false, "mirror the x axis")
	return cmd
}
