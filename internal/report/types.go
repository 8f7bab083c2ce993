package report

// Nutrition holds estimated macro and micro nutrient values for one item.
// Values are free-form strings ("~250 kcal", "12g") because they come from
// model output and web snippets, not from a canonical database.
type Nutrition struct {
	Calories string   `json:"calories,omitempty"`
	Protein  string   `json:"protein,omitempty"`
	Carbs    string   `json:"carbs,omitempty"`
	Fats     string   `json:"fats,omitempty"`
	Vitamins []string `json:"vitamins,omitempty"`
}

// Item is a single identified food component of the analyzed meal.
type Item struct {
	Name             string         `json:"name"`
	EstimatedPortion string         `json:"estimated_portion,omitempty"`
	Confidence       float64        `json:"confidence"`
	Description      string         `json:"description,omitempty"`
	Nutrition        Nutrition      `json:"nutrition"`
	SearchInsights   map[string]any `json:"search_insights,omitempty"`
}

// FoodReport is the final structured analysis of a meal photo. It is
// produced exactly once per request — either by the synthesis stage of the
// cloud pipeline or by the local failsafe — and is immutable afterwards.
type FoodReport struct {
	OverallDescription    string   `json:"overall_description"`
	Items                 []Item   `json:"items"`
	TotalCaloriesEstimate string   `json:"total_calories_estimate,omitempty"`
	HealthScore           int      `json:"health_score,omitempty"`
	DietaryWarnings       []string `json:"dietary_warnings"`

	// Note is set only on degraded reports (e.g. "failsafe unavailable")
	// so callers can tell a full analysis from a fallback.
	Note string `json:"note,omitempty"`
}

// Degraded reports whether this is a fallback result rather than a full
// pipeline analysis.
func (r FoodReport) Degraded() bool {
	return r.Note != ""
}
