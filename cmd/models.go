package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/designscan/internal/models"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the AI model catalog",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := loadCatalog(cfg.AI.CatalogPath)
		if err != nil {
			return err
		}
		if modelsJSON {
			return printJSON(cmd.OutOrStdout(), catalog.All())
		}
		return printCatalog(cmd.OutOrStdout(), catalog.All())
	},
}

var recommend models.Criteria

var modelsRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Show which model the selector would pick for a call",
	RunE: func(cmd *cobra.Command, args []string) error {
		if recommend.InputTokens <= 0 {
			return eris.New("models: --input-tokens must be > 0")
		}
		catalog, err := loadCatalog(cfg.AI.CatalogPath)
		if err != nil {
			return err
		}
		rec := models.NewSelector(catalog, nil).Select(recommend)
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func printCatalog(w io.Writer, profiles []models.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFAMILY\tTIER\tIN $/M\tOUT $/M\tCONTEXT\tACCURACY\tLATENCY") //nolint:errcheck
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%s\t%.2f\t%dms\n", //nolint:errcheck
			p.Name, p.Family, p.Performance.QualityTier,
			p.CostPerMillionIn, p.CostPerMillionOut,
			humanize.Comma(int64(p.MaxContextTokens)),
			p.Performance.Accuracy, p.Performance.LatencyMs,
		)
	}
	return eris.Wrap(tw.Flush(), "models: write table")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

func init() {
	modelsListCmd.Flags().BoolVar(&modelsJSON, "json", false, "print profiles as JSON")

	f := modelsRecommendCmd.Flags()
	f.StringVar(&recommend.Operation, "operation", "organize", "operation the call performs")
	f.IntVar(&recommend.InputTokens, "input-tokens", 0, "input size in tokens (required)")
	f.IntVar(&recommend.OutputTokens, "output-tokens", 0, "expected output tokens (default derived from input)")
	f.StringVar(&recommend.Priority, "priority", models.PriorityNormal, "low, normal, high or critical")
	f.StringVar(&recommend.Speed, "speed", models.SpeedNormal, "normal or fast")
	f.Float64Var(&recommend.BudgetUSD, "budget", 0, "budget in USD for the call (0 = none)")
	f.StringVar(&recommend.QualityTarget, "quality", models.TierStandard, "draft, standard or premium")
	f.StringVar(&recommend.Complexity, "complexity", models.ComplexityModerate, "simple, moderate, complex or extreme")

	modelsCmd.AddCommand(modelsListCmd, modelsRecommendCmd)
	rootCmd.AddCommand(modelsCmd)
}
