package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newForgetCmd creates `mwaai forget`, the operator side of the "forget" message.
func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <number>",
		Short: "Clear a user's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			if err := stores.History.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Conversation with %s cleared.\n", args[0])
			return nil
		},
	}
}
