package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint> [name@spec ...]",
	Short: "Resolve requirements and mount the artifacts",
	Long: "Resolve requirements and serve the selected artifacts as a read-only\n" +
		"filesystem until interrupted or unmounted.",
	Args: cobra.MinimumNArgs(1),
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)

	flags := mountCmd.Flags()
	flags.Bool("lazy", true, "fetch artifacts on first read instead of before mounting")
	flags.String("layout", "flat", "namespace layout: flat or nested")
	flags.Int("workers", 4, "concurrent artifact fetches")
	flags.Bool("allow-other", false, "let other users read the mount")

	viper.BindPFlag("lazy", flags.Lookup("lazy"))
	viper.BindPFlag("layout", flags.Lookup("layout"))
	viper.BindPFlag("workers", flags.Lookup("workers"))
	viper.BindPFlag("allow_other", flags.Lookup("allow-other"))
}

func runMount(cmd *cobra.Command, args []string) (err error) {
	roots, err := requirements(args[1:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Mountpoint = args[0]

	ctrl, err := openController(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctrl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := ctrl.StartSession(ctx, roots, cfg)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	log.WithFields(logrus.Fields{
		"mountpoint": cfg.Mountpoint,
		"packages":   s.Graph().Len(),
	}).Info("serving, interrupt to unmount")

	select {
	case <-ctx.Done():
		log.Info("unmounting")
	case <-s.Done():
	}
	return s.Stop()
}
