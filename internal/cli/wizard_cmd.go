package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"emconv/internal/emdata"
	"emconv/internal/storage"
	"emconv/internal/wizard"

	"github.com/spf13/cobra"
)

func newWizardCmd(root *Root) *cobra.Command {
	var (
		sets   map[string]string
		inputs map[string]string
		values map[string]string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "wizard [protocol]",
		Short: "Suggest protocol form values from its input sets",
		Example: `  emconv wizard relion.classify2d --set particles=particles.sqlite
  emconv wizard relion.refine3d --input particles=128:1.1 --input volume=128:1.1
  emconv wizard --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list || len(args) == 0 {
				for _, p := range root.wizards.Protocols() {
					fmt.Fprintf(root.out, "%s: %s\n", p, strings.Join(root.wizards.Params(p), ", "))
				}
				return nil
			}

			form := wizard.NewForm(args[0])
			for role, path := range sets {
				info, err := setInfo(path)
				if err != nil {
					return fmt.Errorf("input %s: %w", role, err)
				}
				form.Inputs[role] = wizard.InputFromSet(info)
			}
			for role, val := range inputs {
				in, err := parseInput(val)
				if err != nil {
					return fmt.Errorf("input %s: %w", role, err)
				}
				form.Inputs[role] = in
			}
			for param, s := range values {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return fmt.Errorf("value %s: %w", param, err)
				}
				form.Values[param] = v
			}

			params := root.wizards.Params(form.Protocol)
			if len(params) == 0 {
				return fmt.Errorf("%w: %s", wizard.ErrNoWizard, form.Protocol)
			}
			_, err := root.wizards.Apply(form)
			for _, p := range params {
				v, ok := form.Values[p]
				if !ok {
					fmt.Fprintf(root.out, "%s = (no input)\n", p)
					continue
				}
				w, _ := root.wizards.Lookup(form.Protocol, p)
				fmt.Fprintf(root.out, "%s = %g %s\n", p, v, w.Unit())
			}
			if err != nil && !errors.Is(err, wizard.ErrNoInput) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&sets, "set", nil, "role=set.sqlite input taken from a set file")
	cmd.Flags().StringToStringVar(&inputs, "input", nil, "role=box:sampling input given directly")
	cmd.Flags().StringToStringVar(&values, "value", nil, "param=value already on the form")
	cmd.Flags().BoolVar(&list, "list", false, "list protocols with wizards")
	return cmd
}

// parseInput reads "box:sampling".
func parseInput(s string) (wizard.Input, error) {
	boxStr, tsStr, ok := strings.Cut(s, ":")
	if !ok {
		return wizard.Input{}, fmt.Errorf("want box:sampling, got %q", s)
	}
	box, err := strconv.Atoi(boxStr)
	if err != nil {
		return wizard.Input{}, err
	}
	ts, err := strconv.ParseFloat(tsStr, 64)
	if err != nil {
		return wizard.Input{}, err
	}
	return wizard.Input{BoxSize: box, SamplingRate: ts}, nil
}

func setInfo(path string) (info emdata.SetInfo, err error) {
	set, err := storage.OpenSet(path)
	if err != nil {
		return info, err
	}
	defer set.Close()
	return set.Info(), nil
}
