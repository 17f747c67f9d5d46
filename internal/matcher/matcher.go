// Package matcher maps a raw ingestion row to a catalog product id, using a
// deterministic lookup order (stable ids first) with a fuzzy fallback.
// Pure Go string/set matching rather than a fuzzy-matching library — this
// comparison is small enough to hand-roll.
package matcher

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

// FuzzyThreshold is the minimum Jaccard token-set similarity required for a
// fuzzy name+brand match.
const FuzzyThreshold = 0.85

// RawRow is a source's row after per-source normalization, carrying any
// subset of the identifying fields the matcher's lookup order uses.
type RawRow struct {
	ExternalPlatformID string // e.g. a stockx-product-id
	SourceName         string // which platform issued ExternalPlatformID
	EAN                string
	GTIN               string
	StyleCode          string
	Name               string
	Brand              string
}

// Catalog is the narrow read-only view of the product catalog the Matcher
// needs. Backed by domain.CatalogClient in production, faked in tests.
type Catalog interface {
	FindByExternalID(ctx context.Context, sourceName, externalID string) ([]domain.Product, error)
	FindByEAN(ctx context.Context, ean string) (*domain.Product, error)
	FindByGTIN(ctx context.Context, gtin string) (*domain.Product, error)
	FindByStyleCode(ctx context.Context, styleCode string) (*domain.Product, error)
	FuzzyCandidates(ctx context.Context, brandCanonical string) ([]domain.Product, error)
	BrandCanonical(ctx context.Context, brandRaw string) (string, error)
	ProductName(ctx context.Context, productID string) (string, error)
}

// Matcher resolves raw rows to product ids.
type Matcher struct {
	catalog Catalog
	log     zerolog.Logger
}

// New constructs a Matcher.
func New(catalog Catalog, log zerolog.Logger) *Matcher {
	return &Matcher{catalog: catalog, log: log.With().Str("component", "matcher").Logger()}
}

// Match returns the best-matching product id for row, or "" if no rule
// yields a match above threshold. Lookup order: external platform id, EAN,
// GTIN, style code, then fuzzy name+brand. A non-fuzzy hit always wins over
// a fuzzy one. Multiple products sharing one external id is a data-integrity
// fault: logged and skipped (no match returned).
func (m *Matcher) Match(ctx context.Context, row RawRow) (string, error) {
	if row.ExternalPlatformID != "" {
		products, err := m.catalog.FindByExternalID(ctx, row.SourceName, row.ExternalPlatformID)
		if err != nil {
			return "", err
		}
		if len(products) > 1 {
			err := apperr.New(apperr.DataIntegrity, "multiple products share external id "+row.ExternalPlatformID)
			m.log.Error().Err(err).Str("source", row.SourceName).Str("external_id", row.ExternalPlatformID).Msg("matcher data integrity fault")
			return "", nil
		}
		if len(products) == 1 {
			return products[0].ID, nil
		}
	}

	if row.EAN != "" {
		if p, err := m.catalog.FindByEAN(ctx, row.EAN); err != nil {
			return "", err
		} else if p != nil {
			return p.ID, nil
		}
	}

	if row.GTIN != "" {
		if p, err := m.catalog.FindByGTIN(ctx, row.GTIN); err != nil {
			return "", err
		} else if p != nil {
			return p.ID, nil
		}
	}

	if row.StyleCode != "" {
		code := normalizeStyleCode(row.StyleCode)
		if p, err := m.catalog.FindByStyleCode(ctx, code); err != nil {
			return "", err
		} else if p != nil {
			return p.ID, nil
		}
	}

	if row.Name != "" && row.Brand != "" {
		return m.fuzzyMatch(ctx, row)
	}

	return "", nil
}

func (m *Matcher) fuzzyMatch(ctx context.Context, row RawRow) (string, error) {
	brandCanonical, err := m.catalog.BrandCanonical(ctx, row.Brand)
	if err != nil {
		return "", err
	}
	if brandCanonical == "" {
		return "", nil
	}

	candidates, err := m.catalog.FuzzyCandidates(ctx, brandCanonical)
	if err != nil {
		return "", err
	}

	nameTokens := tokenize(row.Name)
	var best *domain.Product
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		candidateName, err := m.catalog.ProductName(ctx, c.ID)
		if err != nil {
			return "", err
		}
		score := jaccard(nameTokens, tokenize(candidateName))
		if score < FuzzyThreshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && c.LastEnrichedAt.After(best.LastEnrichedAt)) {
			best = c
			bestScore = score
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ID, nil
}

// normalizeStyleCode strips separators and case-folds a style code.
func normalizeStyleCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r == '-' || r == '_' || r == ' ' || r == '/' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// normalizeName lowercases, strips punctuation, and collapses whitespace.
func normalizeName(name string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
		default:
			// punctuation: dropped
		}
	}
	return strings.TrimSpace(b.String())
}

func tokenize(name string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(normalizeName(name)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// jaccard computes |A∩B| / |A∪B| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// CanonicalBrandName case/whitespace-folds a brand name: a brand's
// canonical name is unique after case/whitespace folding.
func CanonicalBrandName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
