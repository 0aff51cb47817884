package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"pwnlink/agent/internal/model"
	"pwnlink/agent/internal/records"
)

func newRecordsCmd(a *app) *cobra.Command {
	var (
		asJSON     bool
		xlsxPath   string
		onlyPlaced bool
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List captures in the local directory with their position files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.buildCore().catalog.Records()
			if err != nil {
				return err
			}
			if onlyPlaced {
				list = lo.Filter(list, func(r model.CorrelatedRecord, _ int) bool { return r.Position != nil })
			}

			if xlsxPath != "" {
				f, err := os.Create(xlsxPath)
				if err != nil {
					return err
				}
				if err := records.WriteXLSX(f, list); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d record(s) to %s\n", len(list), xlsxPath)
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODIFIED\tSIZE\tNET\tGEO\tGPS\tPOSITION")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					r.Name,
					r.PrimaryFile.ModificationDate.Local().Format(time.DateTime),
					r.PrimaryFile.SizeBytes,
					mark(r.PositionNet),
					mark(r.PositionGeo),
					mark(r.PositionGps),
					position(r.Position),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write records to this spreadsheet instead of printing")
	cmd.Flags().BoolVar(&onlyPlaced, "with-position", false, "only records with a usable position")
	return cmd
}

func mark(f *model.LocalFile) string {
	if f == nil {
		return "-"
	}
	return "yes"
}

func position(p *model.PositionFix) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.5f,%.5f (%s)", p.Lat, p.Lng, p.Source)
}
