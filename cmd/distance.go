package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"GeoQuery-App/internal/application"
)

var distanceCmd = &cobra.Command{
	Use:   "distance <lat1> <lon1> <lat2> <lon2>",
	Short: "Print the great-circle distance in kilometers",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseLocation(args[0], args[1])
		if err != nil {
			return err
		}
		to, err := parseLocation(args[2], args[3])
		if err != nil {
			return err
		}
		d, err := application.Distance(from, to)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", d)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(distanceCmd)
}
