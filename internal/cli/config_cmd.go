package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			if _, err := Defaults(root.cfg); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration ok")
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("EMCONV_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/emconv/config.yaml"
	}
	data, err := r.cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "# config file: %s\n", cfgPath)
	_, err = r.out.Write(data)
	return err
}
