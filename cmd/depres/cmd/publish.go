package cmd

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aweris/depres/internal/remote"
	"github.com/aweris/depres/internal/version"
)

var publishCmd = &cobra.Command{
	Use:   "publish <dir> <oci://registry/repo>",
	Short: "Publish a directory registry to an OCI registry",
	Long: "Upload every package of a directory registry (registry.yaml plus artifact\n" +
		"files) so it can be resolved and mounted from the OCI registry.",
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().Int("concurrency", remote.DefaultConcurrency, "parallel uploads")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	if !strings.HasPrefix(dst, "oci://") {
		return fmt.Errorf("target %q: expected oci://<registry>/<repo>", dst)
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	dir, err := remote.NewDirFetcher(src)
	if err != nil {
		return err
	}
	oci, err := remote.NewOCIFetcher(dst,
		remote.WithConcurrency(concurrency),
		remote.WithLogger(log.WithField("component", "oci")),
	)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, pkg := range dir.Packages() {
		cands, err := dir.FetchMetadata(ctx, pkg, version.Any())
		if err != nil {
			return err
		}
		content, err := dir.Content(ctx, pkg)
		if err != nil {
			return err
		}
		if err := oci.Publish(ctx, pkg, cands, content); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		log.WithFields(logrus.Fields{
			"package":  pkg,
			"versions": len(cands),
		}).Info("published")
	}

	log.WithField("registry", oci.String()).Info("done")
	return nil
}
