package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platewise/platewise/internal/config"
	"github.com/platewise/platewise/internal/localai"
	"github.com/platewise/platewise/internal/report"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Analyze a food photo",
	Long: `Analyze a food photo against the running platewise server.

Examples:
  platewise analyze lunch.jpg
  platewise analyze dinner.png --deep
  platewise analyze snack.jpg --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Analyzing %s...", args[0])
		resp, err := client.postImage(cmd.Context(), "/api/v1/food/analyze", args[0], deep)
		if err != nil {
			return err
		}

		var r report.FoodReport
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}

		printReport(r)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Bool("deep", false, "use the heavier analysis tier")
	analyzeCmd.Flags().Bool("json", false, "print the raw report JSON")
}

func printReport(r report.FoodReport) {
	fmt.Printf("\n%s\n", colorize(colorBold, r.OverallDescription))
	if r.Note != "" {
		printWarning("degraded result: %s", r.Note)
	}

	for _, item := range r.Items {
		line := item.Name
		if item.EstimatedPortion != "" {
			line += " (" + item.EstimatedPortion + ")"
		}
		fmt.Printf("\n  %s", colorize(colorCyan, line))
		if item.Confidence > 0 {
			fmt.Printf("  [confidence %.0f%%]", item.Confidence*100)
		}
		fmt.Println()
		if item.Description != "" {
			fmt.Printf("    %s\n", item.Description)
		}
		n := item.Nutrition
		var facts []string
		if n.Calories != "" {
			facts = append(facts, "calories "+n.Calories)
		}
		if n.Protein != "" {
			facts = append(facts, "protein "+n.Protein)
		}
		if n.Carbs != "" {
			facts = append(facts, "carbs "+n.Carbs)
		}
		if n.Fats != "" {
			facts = append(facts, "fats "+n.Fats)
		}
		if len(facts) > 0 {
			fmt.Printf("    %s\n", strings.Join(facts, " · "))
		}
	}

	fmt.Println()
	if r.TotalCaloriesEstimate != "" {
		printStatus("Total calories", "%s", r.TotalCaloriesEstimate)
	}
	if r.HealthScore > 0 {
		printStatus("Health score", "%d/10", r.HealthScore)
	}
	for _, warning := range r.DietaryWarnings {
		printWarning("%s", warning)
	}
}

// --- reports ---

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Manage analysis history",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/v1/reports?limit=%d", limit))
		if err != nil {
			return err
		}

		var reports []struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Deep      bool   `json:"deep"`
			Degraded  bool   `json:"degraded"`
		}
		if err := decodeJSON(resp, &reports); err != nil {
			return err
		}

		if len(reports) == 0 {
			fmt.Println("No analyses found.")
			return nil
		}

		for _, r := range reports {
			var flags []string
			if r.Deep {
				flags = append(flags, "deep")
			}
			if r.Degraded {
				flags = append(flags, "degraded")
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, r.ID[:8]),
				r.CreatedAt,
				strings.Join(flags, ","),
			)
		}
		return nil
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/reports/"+args[0])
		if err != nil {
			return err
		}

		var detail any
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an analysis from history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/v1/reports/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted report %s", args[0])
		return nil
	},
}

func init() {
	reportsListCmd.Flags().Int("limit", 20, "maximum number of analyses to list")
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsDeleteCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage local failsafe models",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download local failsafe model weights",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		weights := localai.NewWeights(cfg.Local.ModelsDir, cfg.Local.HubBaseURL)
		specs := []localai.WeightSpec{
			{Repo: cfg.Local.LightRepo, Filename: cfg.Local.LightFile},
			{Repo: cfg.Local.HeavyRepo, Filename: cfg.Local.HeavyFile},
		}

		printStep("Checking weight files in %s...", cfg.Local.ModelsDir)
		if !weights.Ensure(cmd.Context(), specs, true) {
			return fmt.Errorf("weight download failed")
		}

		printSuccess("All weight files present")
		return nil
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show configured local models and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		weights := localai.NewWeights(cfg.Local.ModelsDir, cfg.Local.HubBaseURL)
		tiers := []struct {
			name string
			spec localai.WeightSpec
		}{
			{"light", localai.WeightSpec{Repo: cfg.Local.LightRepo, Filename: cfg.Local.LightFile}},
			{"heavy", localai.WeightSpec{Repo: cfg.Local.HeavyRepo, Filename: cfg.Local.HeavyFile}},
		}
		for _, t := range tiers {
			printStatus(t.name, "%s/%s (%s)", t.spec.Repo, t.spec.Filename, presenceLabel(weights.Present(t.spec)))
		}
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsPullCmd)
	modelsCmd.AddCommand(modelsListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <account> <value>",
	Short: "Store a secret (gemini_api_key, serpapi_api_key) in the platform secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, value := args[0], args[1]

		if err := config.SetSecret(account, value); err != nil {
			return err
		}

		printSuccess("Stored secret %s", account)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
