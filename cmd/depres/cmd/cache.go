package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aweris/depres/internal/compression"
	"github.com/aweris/depres/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached artifacts",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash cached artifacts and drop corrupt ones",
	Args:  cobra.NoArgs,
	RunE:  runCacheVerify,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict artifacts over the budget, or all with --all",
	Args:  cobra.NoArgs,
	RunE:  runCacheEvict,
}

func init() {
	cacheEvictCmd.Flags().Bool("all", false, "evict every artifact")
	cacheCmd.AddCommand(cacheStatsCmd, cacheListCmd, cacheVerifyCmd, cacheEvictCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openStore() (*store.LocalStore, error) {
	budget, err := cacheBudget()
	if err != nil {
		return nil, err
	}
	return store.Open(getCacheDir(),
		store.WithByteBudget(budget),
		store.WithLogger(log.WithField("component", "store")),
	)
}

// withStore opens the cache for the duration of fn.
func withStore(fn func(*store.LocalStore) error) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.LocalStore) error {
		st := s.Stats()
		budget := "unbounded"
		if st.Budget > 0 {
			budget = humanize.IBytes(uint64(st.Budget))
		}
		fmt.Printf("dir:      %s\n", s.Dir())
		fmt.Printf("entries:  %d (%d pinned)\n", st.Entries, st.Pinned)
		fmt.Printf("content:  %s\n", humanize.IBytes(uint64(st.Size)))
		fmt.Printf("stored:   %s\n", humanize.IBytes(uint64(st.Stored)))
		fmt.Printf("budget:   %s\n", budget)
		return nil
	})
}

func runCacheList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.LocalStore) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DIGEST\tSIZE\tSTORED\tCODEC\tLAST ACCESS")
		count := 0
		for e := range s.Entries() {
			codec := e.Codec.String()
			if e.Codec == compression.None {
				codec = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Digest,
				humanize.IBytes(uint64(e.Size)),
				humanize.IBytes(uint64(e.StoredSize)),
				codec,
				humanize.Time(e.LastAccess),
			)
			count++
		}
		if count == 0 {
			fmt.Println("(no entries)")
			return nil
		}
		return w.Flush()
	})
}

func runCacheVerify(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.LocalStore) error {
		bad, err := s.Verify(cmd.Context())
		for _, d := range bad {
			fmt.Printf("removed %s\n", d)
		}
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}
		log.WithField("removed", len(bad)).Info("verified cache")
		return nil
	})
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	return withStore(func(s *store.LocalStore) error {
		var n int
		if all {
			n = s.EvictAll()
		} else {
			n = s.Evict()
		}
		log.WithField("evicted", n).Info("evicted artifacts")
		return nil
	})
}
