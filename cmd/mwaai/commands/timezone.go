package commands

import (
	"fmt"

	"github.com/jholhewres/mwaai/pkg/mwaai/copilot"
	"github.com/spf13/cobra"
)

// newTimezoneCmd creates the `mwaai timezone` command.
func newTimezoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timezone",
		Short: "Read or change a user's UTC offset",
		Long: `Read or change the UTC offset the assistant uses for a user.

Examples:
  mwaai timezone get 5511999999999
  mwaai timezone set 5511999999999 UTC-3`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <number>",
			Short: "Show a user's offset",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				stores, err := openStores(cmd)
				if err != nil {
					return err
				}
				defer stores.Close()

				offset, err := stores.Timezones.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(offset)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <number> <offset>",
			Short: "Set a user's offset (UTC-11 to UTC+14)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := copilot.ParseOffset(args[1]); err != nil {
					return err
				}

				stores, err := openStores(cmd)
				if err != nil {
					return err
				}
				defer stores.Close()

				if err := stores.Timezones.Set(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Timezone for %s set to %s.\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}
