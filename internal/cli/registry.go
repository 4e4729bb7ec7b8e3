package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/etlorch/internal/registry"
	"github.com/me/etlorch/pkg/model"
)

func newRegistryCmd() *cobra.Command {
	var driver, dsn string
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage pipeline definitions and inspect run history",
	}
	cmd.PersistentFlags().StringVar(&driver, "driver", "", "Registry driver: sqlite or pgx (or REGISTRY_DRIVER)")
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Registry DSN (or REGISTRY_DSN)")

	open := func(cmd *cobra.Command) (*registry.SQLRegistry, error) {
		if driver != "" {
			cfg.Registry.Driver = driver
		}
		if dsn != "" {
			cfg.Registry.DSN = dsn
		}
		reg, err := registry.Open(cfg.Registry.Driver, cfg.Registry.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Migrate(cmd.Context()); err != nil {
			reg.Close()
			return nil, err
		}
		return reg, nil
	}

	cmd.AddCommand(
		newRegistryMigrateCmd(open),
		newRegistryAddCmd(open),
		newRegistryListCmd(open),
		newRegistryHistoryCmd(open),
	)
	return cmd
}

type openFunc func(*cobra.Command) (*registry.SQLRegistry, error)

func newRegistryMigrateCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the registry schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "registry schema is up to date")
			return nil
		},
	}
}

func newRegistryAddCmd(open openFunc) *cobra.Command {
	var p model.PipelineConfig
	var refresh string
	cmd := &cobra.Command{
		Use:   "add <pipeline-id> <source-table>",
		Short: "Add or update a pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.PipelineID = args[0]
			p.SourceTable = args[1]
			p.RefreshType = model.ParseRefreshType(refresh)
			if p.DestinationTable == "" {
				p.DestinationTable = model.DestinationTable(p.SourceTable, cfg.Warehouse.DestinationSuffix)
			}

			reg, err := open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.UpsertPipeline(cmd.Context(), &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s: %s -> %s (%s)\n",
				p.PipelineID, p.SourceTable, p.DestinationTable, p.RefreshType)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.DestinationTable, "destination", "", "Warehouse table (default <source-table><suffix>)")
	cmd.Flags().StringVar(&p.PrimaryKeyColumn, "primary-key", "", "Key column (default: discovered from the source)")
	cmd.Flags().StringVar(&refresh, "refresh", string(model.RefreshFull), "Refresh type: FULL or INCREMENTAL")
	cmd.Flags().BoolVar(&p.Skip, "skip", false, "Register the pipeline but exclude it from controller runs")
	return cmd
}

func newRegistryListCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active pipelines with their watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			pipelines, err := reg.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			if len(pipelines) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tDESTINATION\tREFRESH\tSTATUS\tMIN_ID\tMAX_ID\tLAST_REFRESH")
			for _, p := range pipelines {
				last := "-"
				if p.LastRefresh != nil {
					last = p.LastRefresh.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					p.PipelineID, p.SourceTable, p.DestinationTable, p.RefreshType, p.Status, p.MinID, p.MaxID, last)
			}
			return w.Flush()
		},
	}
}

func newRegistryHistoryCmd(open openFunc) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <pipeline-id>",
		Short: "Show run history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := open(cmd)
			if err != nil {
				return err
			}
			defer reg.Close()
			if _, err := reg.GetPipeline(cmd.Context(), args[0]); err != nil {
				return err
			}
			runs, err := reg.ListRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN_ID\tRUN_DATE\tNEXT_REFRESH\tMIN_ID\tMAX_ID\tPARTITIONS")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					r.RunID, r.RunDate.Format(time.DateOnly), r.NextRefreshDate.Format(time.DateOnly),
					r.MinID, r.MaxID, r.Partitions)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum runs to show (0 for all retained)")
	return cmd
}
