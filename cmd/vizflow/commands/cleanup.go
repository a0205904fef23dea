package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/vizflow/internal/shm"
)

func newCleanupCmd(root *rootOptions) *cobra.Command {
	var (
		all     bool
		pattern string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove shared segments left behind by crashed runs",
		Long: `cleanup removes segments recorded in the name log (--all) and/or every
segment whose name matches a glob (--pattern), e.g.

  vizflow cleanup --pattern 'vizflow_objects_*_m3_r*'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && pattern == "" {
				return errors.New("nothing to do: pass --all and/or --pattern")
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Shm.Backend != "file" {
				return fmt.Errorf("cleanup needs the file backend, configured %q", cfg.Shm.Backend)
			}
			backend := shm.NewFileBackend(cfg.Shm.Dir)
			out := cmd.OutOrStdout()

			var errs []error
			if all {
				nameLog := shm.NewNameLog(cfg.Shm.NameLog)
				n, err := nameLog.CleanAll(backend)
				errs = append(errs, err)
				fmt.Fprintf(out, "removed %d recorded segments (%s)\n", n, nameLog.Path())
			}
			if pattern != "" {
				removed, err := shm.Sweep(backend, pattern)
				errs = append(errs, err)
				for _, name := range removed {
					fmt.Fprintln(out, "removed", name)
				}
				fmt.Fprintf(out, "removed %d segments matching %q\n", len(removed), pattern)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every segment in the name log")
	cmd.Flags().StringVar(&pattern, "pattern", "", "remove segments matching this glob")
	return cmd
}
