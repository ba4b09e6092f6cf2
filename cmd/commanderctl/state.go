package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
)

var stateCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the IaC state",
	}
	cmd.AddCommand(stateListCmd)
	return cmd
}()

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resource addresses in state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadConfig()
		if err != nil {
			return err
		}
		resources, err := terraform.NewRunner(p, nil).StateList(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tMODULE\tTYPE")
		for _, r := range resources {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Address, r.Module, r.Type)
		}
		return w.Flush()
	},
}
