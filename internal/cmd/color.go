package cmd

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/racklens/pkg/colorscale"
)

var colorCmd = &cobra.Command{
	Use:   "color <value> <min> <max>",
	Short: "Show the heat color of a value within a range",
	Long: `Print the color the heat scale assigns to value within [min, max].

Examples:
  racklens color 3.7 3.0 4.2
  racklens color 25 20 45 --json`,
	Args: cobra.ExactArgs(3),
	RunE: runColor,
}

var colorJSON bool

func init() {
	rootCmd.AddCommand(colorCmd)
	colorCmd.Flags().BoolVar(&colorJSON, "json", false, "Output as JSON")
}

type colorOutput struct {
	Value float64          `json:"value"`
	Min   float64          `json:"min"`
	Max   float64          `json:"max"`
	Color colorscale.Color `json:"rgb"`
	Hex   string           `json:"hex"`
}

func runColor(cmd *cobra.Command, args []string) error {
	vals := make([]float64, 3)
	for i, name := range []string{"value", "min", "max"} {
		f, err := strconv.ParseFloat(args[i], 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return exitError(foundry.ExitInvalidArgument, "Invalid "+name, fmt.Errorf("%q is not a finite number", args[i]))
		}
		vals[i] = f
	}

	c := colorscale.ColorFor(vals[0], vals[1], vals[2])
	out := cmd.OutOrStdout()
	if colorJSON {
		return json.NewEncoder(out).Encode(colorOutput{Value: vals[0], Min: vals[1], Max: vals[2], Color: c, Hex: c.Hex()})
	}
	_, err := fmt.Fprintf(out, "%s %s  %s\n", c.ANSIBackground()+"    "+colorscale.ANSIReset, c.Hex(), c.CSS())
	return err
}
