package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvaper/proxmox-commander/internal/identity"
)

var vmidCmd = &cobra.Command{
	Use:   "vmid IP",
	Short: "Print the VMID and VLAN derived from an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmid, vlan, err := identity.Derive(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "vmid: %d\nvlan: %d\nbridge: %s\ngateway: %s\n",
			vmid, vlan, identity.Bridge(vlan), identity.Gateway(vlan))
		return err
	},
}
