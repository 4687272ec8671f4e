// Package recipe holds the structured recipe document passed from normalization to rendering.
package recipe

import (
	"fmt"
	"regexp"
	"strings"
)

// Section headings of the markdown document. English headings are accepted when parsing.
const (
	HeadingIngredients = "## 食材"
	HeadingSteps       = "## 制作步骤"

	untitled = "未知菜谱"
)

// Card preview limits.
const (
	MaxCardIngredients = 5
	MaxCardSteps       = 3
	maxIngredientRunes = 80
	maxStepRunes       = 60
)

// Ingredient is one line of the ingredient list with a concrete quantity.
type Ingredient struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

func (i Ingredient) String() string {
	qty := strings.TrimSpace(i.Amount + i.Unit)
	if qty == "" {
		return strings.TrimSpace(i.Name)
	}
	return strings.TrimSpace(i.Name) + " " + qty
}

// Recipe is the normalized document.
type Recipe struct {
	Title       string       `json:"title"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
}

// Markdown renders the recipe in the document format stored as the normalization artifact.
func (r Recipe) Markdown() string {
	var b strings.Builder
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = untitled
	}
	fmt.Fprintf(&b, "# %s\n\n%s\n", title, HeadingIngredients)
	for _, ing := range r.Ingredients {
		fmt.Fprintf(&b, "- %s\n", ing)
	}
	fmt.Fprintf(&b, "\n%s\n", HeadingSteps)
	for i, step := range r.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(step))
	}
	return b.String()
}

// Card is the truncated preview drawn on the image.
type Card struct {
	Title       string
	Ingredients []string
	Steps       []string
}

var numbered = regexp.MustCompile(`^\d+\.\s`)

// ParseCard extracts the card preview from a markdown document: the first H1 as title,
// up to five ingredients and the first three numbered steps.
func ParseCard(markdown string) Card {
	card := Card{Title: untitled}
	titled := false
	section := ""
	for _, raw := range strings.Split(markdown, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case !titled && strings.HasPrefix(line, "# "):
			card.Title = strings.TrimSpace(line[2:])
			titled = true
			continue
		case strings.HasPrefix(line, HeadingIngredients) || strings.Contains(line, "## Ingredients"):
			section = "ingredients"
			continue
		case strings.HasPrefix(line, HeadingSteps) || strings.Contains(line, "## Instructions"):
			section = "steps"
			continue
		case strings.HasPrefix(line, "##"):
			section = ""
		}

		switch section {
		case "ingredients":
			if strings.HasPrefix(line, "- ") && len(card.Ingredients) < MaxCardIngredients {
				card.Ingredients = append(card.Ingredients, clip(strings.TrimSpace(line[2:]), maxIngredientRunes))
			}
		case "steps":
			if numbered.MatchString(line) && len(card.Steps) < MaxCardSteps {
				step := strings.TrimSpace(numbered.ReplaceAllString(line, ""))
				card.Steps = append(card.Steps, clip(step, maxStepRunes))
			}
		}
	}
	return card
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
