package pipeline

import "strings"

const identifyPrompt = `List every distinct food item visible in this image.
Respond with ONLY a compact comma-separated list in the form "Name (estimated portion)", for example:
Grilled chicken breast (150g), White rice (1 cup), Broccoli (80g)
If no food is visible, respond with an empty line.`

const synthesizeInstructions = `You are a nutrition analyst. Using the image and the research context below, produce a nutrition report. Work step by step:
1. Estimate the physical scale of the scene from reference objects (plate, cutlery, hands).
2. Segment the identified items and estimate each item's volume.
3. Convert volume to weight using typical food densities.
4. Look up per-weight nutrition values, preferring the research context where it is specific.
5. Aggregate totals across all items.

Respond with ONLY a JSON object, no commentary, matching exactly:
{
  "overall_description": "one-sentence summary of the meal",
  "items": [
    {
      "name": "item name",
      "estimated_portion": "e.g. 150g or 1 cup",
      "confidence": 0.0,
      "description": "short description",
      "nutrition": {"calories": "...", "protein": "...", "carbs": "...", "fats": "...", "vitamins": ["..."]}
    }
  ],
  "total_calories_estimate": "e.g. ~650 kcal",
  "health_score": 0,
  "dietary_warnings": ["..."]
}`

// buildSynthesisPrompt embeds one research line per identified item ahead of
// the fixed instruction block.
func buildSynthesisPrompt(contextLines []string) string {
	var sb strings.Builder
	sb.WriteString("Research context for the identified items:\n")
	if len(contextLines) == 0 {
		sb.WriteString("(no items were identified)\n")
	}
	for _, line := range contextLines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(synthesizeInstructions)
	return sb.String()
}

// parseItemList splits the identify response on newlines and commas,
// trimming whitespace and discarding empties. An empty result is valid.
func parseItemList(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		for _, part := range strings.Split(line, ",") {
			if item := strings.TrimSpace(part); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

// stripCodeFence removes an enclosing markdown code fence, with or without a
// language tag, from a model response.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		// Drop a language tag like "json" on the opening fence line.
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
