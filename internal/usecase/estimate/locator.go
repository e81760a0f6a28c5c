package estimate

import "github.com/PuerkitoBio/goquery"

// Locator finds user and model turn elements in a document.
type Locator interface {
	Locate(doc *goquery.Document) (users, models *goquery.Selection)
}

// Tier is one level of the selector fallback chain.
type Tier struct {
	Name   string
	Users  string
	Models string
}

// Default selector tiers, most specific first.
var (
	// StructuralTier matches custom elements and role/test attributes.
	StructuralTier = Tier{
		Name: "structural",
		Users: `user-query, [data-test-id="user-query"], message-content[sender="user"], ` +
			`[data-message-author-role="user"]`,
		Models: `model-response, [data-test-id="model-response"], message-content[sender="model"], ` +
			`[data-message-author-role="assistant"]`,
	}
	// ClassNameTier matches class-name substrings.
	ClassNameTier = Tier{
		Name:   "class_name",
		Users:  `.user-query, [class*="user-query"], [class*="user-message"], .query-text`,
		Models: `.model-response, [class*="model-response"], [class*="model-message"], .response-text`,
	}
)

// TieredLocator tries each tier in order. The first tier that finds any
// user or model turn decides the result.
type TieredLocator struct {
	tiers []Tier
}

// NewTieredLocator creates a locator over the given tiers.
func NewTieredLocator(tiers ...Tier) *TieredLocator {
	return &TieredLocator{tiers: tiers}
}

// DefaultLocator returns the structural → class-name chain.
func DefaultLocator() *TieredLocator {
	return NewTieredLocator(StructuralTier, ClassNameTier)
}

// Locate implements Locator. Both selections are empty when no tier matches.
func (l *TieredLocator) Locate(doc *goquery.Document) (users, models *goquery.Selection) {
	users = doc.Selection.Slice(0, 0)
	models = doc.Selection.Slice(0, 0)

	for _, tier := range l.tiers {
		u := outermost(doc, tier.Users)
		m := outermost(doc, tier.Models)
		if u.Length() > 0 || m.Length() > 0 {
			return u, m
		}
	}
	return users, models
}

// outermost selects matches of selector that are not nested inside another
// match, so wrapper and inner elements are counted once.
func outermost(doc *goquery.Document, selector string) *goquery.Selection {
	if selector == "" {
		return doc.Selection.Slice(0, 0)
	}
	return doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
}
