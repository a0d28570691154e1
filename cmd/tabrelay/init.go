package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/defaults"
)

// InitCmd creates the init command
func InitCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and default config",
		Long: `Copy the default config into the platform data directory. Existing files
are kept unless --reset is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := defaults.EnsureDataDir()
			if err != nil {
				return err
			}
			if reset {
				if err := defaults.Reset(dir); err != nil {
					return err
				}
			}
			names, err := defaults.ListDefaults()
			if err != nil {
				return err
			}
			fmt.Printf("Data directory: %s\n", dir)
			for _, name := range names {
				fmt.Printf("  %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "overwrite existing files with the defaults")
	return cmd
}
