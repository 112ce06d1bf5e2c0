package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the TTS artifact cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "Summarise cached artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(paths.Cache)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("cache empty")
					return nil
				}
				return err
			}
			var count int
			var total int64
			for _, ent := range entries {
				if ent.IsDir() {
					continue
				}
				if info, err := ent.Info(); err == nil {
					count++
					total += info.Size()
				}
			}
			fmt.Printf("%d artifacts, %.1f MiB in %s\n", count, float64(total)/(1<<20), paths.Cache)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all cached artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(paths.Cache)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			var removed int
			for _, ent := range entries {
				if ent.IsDir() {
					continue
				}
				if err := os.Remove(filepath.Join(paths.Cache, ent.Name())); err == nil {
					removed++
				}
			}
			fmt.Printf("removed %d artifacts\n", removed)
			return nil
		},
	})

	return cmd
}
