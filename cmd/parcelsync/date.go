package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync/internal/datenorm"
	"github.com/parcelsync/parcelsync/internal/ui"
)

var normalizeDateCmd = &cobra.Command{
	Use:   "normalize-date <id>...",
	Short: "Print the business date encoded in return-note ids",
	Long: `Print the date a return-note id encodes: the DDMMYY token after the
first '-', shifted by the business-day offset, as DD-MM-YYYY.

Example:
  parcelsync normalize-date RN-150124   # 18-01-2024

Malformed ids print "Unknown" and make the command exit 1.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var malformed int
		for _, id := range args {
			date, err := datenorm.Normalize(id)
			if err != nil {
				var merr *datenorm.MalformedIdentifierError
				if !errors.As(err, &merr) {
					return err
				}
				malformed++
				fmt.Fprintf(out, "%s\t%s\t%s\n", id, ui.RenderWarn(datenorm.UnknownDate), ui.RenderMuted(merr.Reason))
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", id, date)
		}

		if malformed > 0 {
			return fmt.Errorf("%d of %d ids are malformed", malformed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(normalizeDateCmd)
}
