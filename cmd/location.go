package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"GeoQuery-App/internal/domain/model"
)

var setCmd = &cobra.Command{
	Use:   "set <key> <latitude> <longitude>",
	Short: "Store the location of a key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		location, err := parseLocation(args[1], args[2])
		if err != nil {
			return err
		}
		env, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Collection.Set(cmd.Context(), args[0], &location); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], location)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the stored location of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		location, err := env.Collection.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"key":      args[0],
			"location": location,
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Collection.Remove(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(setCmd, getCmd, removeCmd)
}

func parseLocation(latArg, lonArg string) (model.Location, error) {
	lat, err := strconv.ParseFloat(latArg, 64)
	if err != nil {
		return model.Location{}, eris.Wrapf(model.ErrInvalidArgument, "invalid latitude %q", latArg)
	}
	lon, err := strconv.ParseFloat(lonArg, 64)
	if err != nil {
		return model.Location{}, eris.Wrapf(model.ErrInvalidArgument, "invalid longitude %q", lonArg)
	}
	return model.NewLocation(lat, lon), nil
}

func parseRadius(arg string) (float64, error) {
	radius, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, eris.Wrapf(model.ErrInvalidArgument, "invalid radius %q", arg)
	}
	return radius, nil
}
