package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sasaki2110/morizo/internal/chain"
	"github.com/sasaki2110/morizo/internal/stage"
)

// Recipe is one catalog entry.
type Recipe struct {
	Title       string   `yaml:"title"`
	Category    string   `yaml:"category"`  // 和食 | 洋食 | 中華
	MenuType    string   `yaml:"menu_type"` // main | sub | soup
	Ingredients []string `yaml:"ingredients"`
}

type catalogFile struct {
	Recipes []Recipe `yaml:"recipes"`
}

// RecipeService proposes dishes out of a YAML recipe catalog. Proposals can
// be narrowed by a required ingredient, a fixed menu category, already-used
// ingredients and already-proposed titles.
type RecipeService struct {
	Recipes []Recipe
	Limit   int
}

func NewRecipeService(catalogPath string) (*RecipeService, error) {
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe catalog: %v", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse recipe catalog: %v", err)
	}
	if len(cf.Recipes) == 0 {
		return nil, fmt.Errorf("recipe catalog %s is empty", catalogPath)
	}
	return &RecipeService{Recipes: cf.Recipes, Limit: 5}, nil
}

func (s *RecipeService) Name() string { return "recipe" }

func (s *RecipeService) Methods() []string {
	return []string{
		"propose_main_dishes",
		"propose_sub_dishes",
		"propose_soups",
		"search_recipes",
	}
}

func (s *RecipeService) Invoke(ctx context.Context, method string, params map[string]any) (chain.Outcome, error) {
	switch method {
	case "propose_main_dishes":
		return s.propose(params, "main"), nil
	case "propose_sub_dishes":
		return s.propose(params, "sub"), nil
	case "propose_soups":
		return s.propose(params, "soup"), nil
	case "search_recipes":
		return s.search(params), nil
	}
	return chain.Outcome{}, fmt.Errorf("%w: recipe.%s", ErrServiceNotFound, method)
}

func (s *RecipeService) propose(params map[string]any, menuType string) chain.Outcome {
	ingredient := stringParam(params, "ingredient")
	category := stringParam(params, "menu_category")
	exclude := normalizeSet(stringListParam(params, "exclude_titles"))
	used := normalizeSet(stringListParam(params, "used_ingredients"))

	// Two passes: recipes that avoid already-used ingredients first, the
	// rest only to fill up to the limit.
	var fresh, fallback []Recipe
	for _, r := range s.Recipes {
		if r.MenuType != menuType {
			continue
		}
		if exclude[stage.NormalizeName(r.Title)] {
			continue
		}
		if category != "" && stage.NormalizeName(r.Category) != stage.NormalizeName(category) {
			continue
		}
		if ingredient != "" && !hasIngredient(r, ingredient) {
			continue
		}
		if overlapsUsed(r, used) {
			fallback = append(fallback, r)
		} else {
			fresh = append(fresh, r)
		}
	}

	picked := fresh
	if len(picked) < s.Limit {
		picked = append(picked, fallback...)
	}
	if len(picked) > s.Limit {
		picked = picked[:s.Limit]
	}

	return ok(map[string]any{"candidates": candidateMaps(picked)})
}

func (s *RecipeService) search(params map[string]any) chain.Outcome {
	query := stage.NormalizeName(stringParam(params, "query"))
	var hits []Recipe
	for _, r := range s.Recipes {
		if query == "" {
			break
		}
		if strings.Contains(stage.NormalizeName(r.Title), query) || hasIngredient(r, query) {
			hits = append(hits, r)
		}
	}
	if len(hits) > s.Limit {
		hits = hits[:s.Limit]
	}
	return ok(map[string]any{"candidates": candidateMaps(hits)})
}

func hasIngredient(r Recipe, name string) bool {
	norm := stage.NormalizeName(name)
	for _, ing := range r.Ingredients {
		normIng := stage.NormalizeName(ing)
		if normIng == norm || strings.Contains(normIng, norm) || strings.Contains(norm, normIng) {
			return true
		}
	}
	return false
}

func overlapsUsed(r Recipe, used map[string]bool) bool {
	if len(used) == 0 {
		return false
	}
	for _, ing := range r.Ingredients {
		if used[stage.NormalizeName(ing)] {
			return true
		}
	}
	return false
}

func normalizeSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if norm := stage.NormalizeName(n); norm != "" {
			set[norm] = true
		}
	}
	return set
}

func candidateMaps(recipes []Recipe) []any {
	out := make([]any, 0, len(recipes))
	for _, r := range recipes {
		ings := make([]any, 0, len(r.Ingredients))
		for _, ing := range r.Ingredients {
			ings = append(ings, ing)
		}
		out = append(out, map[string]any{
			"title":       r.Title,
			"category":    r.Category,
			"ingredients": ings,
		})
	}
	return out
}
