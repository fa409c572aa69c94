package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/depres"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [name@spec ...]",
	Short: "Resolve requirements and print the lock",
	Long:  "Resolve requirements against the registry and print the selected packages as YAML.",
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) (err error) {
	roots, err := requirements(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctrl, err := openController(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctrl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	g, err := ctrl.Resolve(cmd.Context(), roots, cfg)
	if err != nil {
		return fmt.Errorf("resolve failed: %w", err)
	}
	return depres.NewLock(g).Encode(os.Stdout)
}
