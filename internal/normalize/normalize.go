// Package normalize implements the pure product-name normalizer (spec §4.1):
// it turns a single concatenated scraped string into structured fields. It
// performs no I/O and reads no global state.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/leafpulse/tracker/internal/model"
)

// Input is the raw tuple handed to Normalize.
type Input struct {
	RawName     string
	RawBrand    string
	RawCategory string
	RawThc      string
	RawCbd      string
}

var marketingTags = []string{
	"staff pick", "best seller", "new arrival", "limited edition",
	"on sale", "popular", "featured",
}

var cannabinoidRe = regexp.MustCompile(`(?i)(THC|CBD|TAC)\s*:\s*([0-9]+(?:\.[0-9]+)?)\s*%?`)

var strainWholeWordRe = regexp.MustCompile(`(?i)\b(sativa|indica|hybrid)\b`)
var strainTerminalRe = regexp.MustCompile(`(?i)(sativa-hybrid|indica-hybrid|sativa|indica|hybrid)$`)

var weightPatterns = []struct {
	re      *regexp.Regexp
	convert func(m []string) float64
	unit    model.WeightUnit
}{
	{regexp.MustCompile(`(?i)\b1/8\s*oz\b|\beighth\b`), func([]string) float64 { return 3.5 }, "g"},
	{regexp.MustCompile(`(?i)\b1/4\s*oz\b|\bquarter\b`), func([]string) float64 { return 7 }, "g"},
	{regexp.MustCompile(`(?i)\b1/2\s*oz\b|\bhalf\b`), func([]string) float64 { return 14 }, "g"},
	{regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*oz\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) * 28 }, "g"},
	{regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*gram(?:s)?\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) }, "g"},
	{regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*g\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) }, "g"},
	{regexp.MustCompile(`(?i)(\d+)\s*pack\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) }, "pack"},
	{regexp.MustCompile(`(?i)(\d+)\s*piece(?:s)?\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) }, "piece"},
	{regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*mg\b`), func(m []string) float64 { return parseFloatOr(m[1], 0) }, "mg"},
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"pre_roll", []string{"pre-roll", "preroll", "pre roll", "joint", "blunt"}},
	{"vape", []string{"vape", "cartridge", "cart", "disposable", "pen"}},
	{"edible", []string{"edible", "gummy", "gummies", "chocolate", "cookie", "beverage", "drink", "mint", "chew"}},
	{"concentrate", []string{"concentrate", "wax", "shatter", "rosin", "resin", "dab", "badder", "budder", "diamond", "live resin"}},
	{"tincture", []string{"tincture", "sublingual", "drops"}},
	{"topical", []string{"topical", "lotion", "balm", "cream", "salve"}},
	{"flower", []string{"flower", "bud", "nug", "smalls"}},
}

var descriptorWords = map[string]bool{
	"premium": true, "smalls": true, "small": true, "whole": true,
	"ground": true, "infused": true, "indoor": true, "outdoor": true,
}

var numericPrefixRe = regexp.MustCompile(`^\s*[\d./]+\s*(g|oz|mg|gram|grams|pack|piece|pieces)?\s*$`)
var collapseWhitespaceRe = regexp.MustCompile(`\s+`)
var trimNonWordRe = regexp.MustCompile(`^[^\p{L}\p{N}]+|[^\p{L}\p{N}]+$`)
var digitRunRe = regexp.MustCompile(`\d{3,}`)

// Normalize runs the ordered algorithm in spec §4.1 and returns the
// structured product. It is deterministic for a given input tuple.
func Normalize(in Input) model.NormalizedProduct {
	working := in.RawName

	// Step 1: marketing tags.
	var tags []string
	for _, tag := range marketingTags {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(tag))
		if re.MatchString(working) {
			tags = append(tags, tag)
			working = re.ReplaceAllString(working, "")
		}
	}

	// Step 2: cannabinoid percentages.
	var thc, cbd, tac *float64
	for _, m := range cannabinoidRe.FindAllStringSubmatch(working, -1) {
		val, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		v := val
		switch strings.ToUpper(m[1]) {
		case "THC":
			if thc == nil {
				thc = &v
			}
		case "CBD":
			if cbd == nil {
				cbd = &v
			}
		case "TAC":
			if tac == nil {
				tac = &v
			}
		}
	}
	working = cannabinoidRe.ReplaceAllString(working, "")
	if thc == nil {
		if v, ok := parseFloatLoose(in.RawThc); ok {
			thc = &v
		}
	}
	if cbd == nil {
		if v, ok := parseFloatLoose(in.RawCbd); ok {
			cbd = &v
		}
	}

	// Step 3: strain type.
	strain := ""
	if m := strainWholeWordRe.FindString(working); m != "" {
		strain = mapStrain(m)
		working = replaceFirst(working, strainWholeWordRe, "")
	}
	trimmedForTerminal := strings.TrimRight(working, " \t\n\r-|")
	if idx := strainTerminalRe.FindStringIndex(trimmedForTerminal); idx != nil {
		m := trimmedForTerminal[idx[0]:idx[1]]
		if strain == "" {
			strain = mapStrain(m)
		}
		working = trimmedForTerminal[:idx[0]] + working[len(trimmedForTerminal):]
	}

	// Step 4: brand de-duplication.
	if brand := strings.TrimSpace(in.RawBrand); brand != "" {
		working = stripTrailingBrand(working, brand)
		working = stripLeadingBrand(working, brand)
	}

	// Step 5: weight.
	var weight *model.Weight
	for _, wp := range weightPatterns {
		loc := wp.re.FindStringSubmatchIndex(working)
		if loc == nil {
			continue
		}
		full := wp.re.FindStringSubmatch(working)
		weight = &model.Weight{Amount: wp.convert(full), Unit: wp.unit}
		working = working[:loc[0]] + working[loc[1]:]
		break
	}

	// Step 6: category.
	category := deriveCategory(in.RawCategory, working)

	// Step 7: segment selection for the product name.
	name := selectNameSegment(working, &strain, &weight)

	// Step 8: collapse whitespace, trim non-word edges.
	name = collapseWhitespaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	name = trimNonWordRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)

	brandOut := strings.TrimSpace(in.RawBrand)

	confidence := computeConfidence(name, thc, weight, strain)

	return model.NormalizedProduct{
		Name:       name,
		Brand:      brandOut,
		Category:   category,
		Strain:     strain,
		THC:        thc,
		CBD:        cbd,
		TAC:        tac,
		Weight:     weight,
		Tags:       tags,
		Confidence: confidence,
	}
}

func mapStrain(raw string) string {
	lower := strings.ToLower(raw)
	switch lower {
	case "sativa-hybrid":
		return "sativa"
	case "indica-hybrid":
		return "indica"
	case "sativa", "indica", "hybrid":
		return lower
	default:
		return ""
	}
}

// replaceFirst removes only the first match of re from s.
func replaceFirst(s string, re *regexp.Regexp, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}

func stripTrailingBrand(working, brand string) string {
	trimmed := strings.TrimRight(working, " \t")
	variants := []string{
		brand,
		strings.ReplaceAll(brand, " ", ""),
		strings.ToUpper(brand),
		strings.ReplaceAll(brand, " ", "-"),
	}
	lowerTrimmed := strings.ToLower(trimmed)
	for _, v := range variants {
		lv := strings.ToLower(v)
		if lv == "" {
			continue
		}
		if strings.HasSuffix(lowerTrimmed, lv) {
			cut := len(trimmed) - len(lv)
			return working[:cut] + working[len(trimmed):]
		}
	}
	return working
}

func stripLeadingBrand(working, brand string) string {
	leading := strings.TrimLeft(working, " \t")
	offset := len(working) - len(leading)
	lowerLeading := strings.ToLower(leading)
	lowerBrand := strings.ToLower(brand)
	if brand == "" || !strings.HasPrefix(lowerLeading, lowerBrand) {
		return working
	}
	rest := leading[len(brand):]
	if rest == "" {
		return working[:offset]
	}

	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	consumedSeparator := i > 0
	if i < len(rest) {
		switch rest[i] {
		case '|', '-', ':':
			i++
			consumedSeparator = true
		}
	}
	if !consumedSeparator {
		// brand must be followed by whitespace or a separator, not glued to more letters.
		return working
	}
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	return working[:offset] + rest[i:]
}

func deriveCategory(rawCategory, working string) string {
	lowerRaw := strings.ToLower(rawCategory)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lowerRaw, kw) {
				return ck.category
			}
		}
	}
	lowerWorking := strings.ToLower(working)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lowerWorking, kw) {
				return ck.category
			}
		}
	}
	return "other"
}

func selectNameSegment(working string, strain *string, weight **model.Weight) string {
	if strings.Contains(working, "|") {
		raw := strings.Split(working, "|")
		segments := make([]string, len(raw))
		for i, s := range raw {
			segments[i] = strings.TrimSpace(s)
		}
		if len(segments) >= 2 {
			last := segments[len(segments)-1]
			if *strain == "" || *weight == nil {
				for _, mid := range segments[1 : len(segments)-1] {
					if *strain == "" {
						if m := strainWholeWordRe.FindString(mid); m != "" {
							*strain = mapStrain(m)
						}
					}
					if *weight == nil {
						for _, wp := range weightPatterns {
							if full := wp.re.FindStringSubmatch(mid); full != nil {
								amount := wp.convert(full)
								*weight = &model.Weight{Amount: amount, Unit: wp.unit}
								break
							}
						}
					}
				}
			}
			if numericPrefixRe.MatchString(last) {
				for _, seg := range segments {
					if seg != "" && !numericPrefixRe.MatchString(seg) {
						return seg
					}
				}
			}
			return last
		}
	}
	if strings.ContainsAny(working, "-–") {
		parts := splitOnDash(working)
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed == "" {
				continue
			}
			if numericPrefixRe.MatchString(trimmed) {
				continue
			}
			if descriptorWords[strings.ToLower(trimmed)] {
				continue
			}
			return trimmed
		}
	}
	return working
}

func splitOnDash(s string) []string {
	replaced := strings.ReplaceAll(s, "–", "-")
	return strings.Split(replaced, "-")
}

func computeConfidence(name string, thc *float64, weight *model.Weight, strain string) float64 {
	confidence := 1.0
	if len(name) > 40 {
		confidence -= 0.2
	}
	if thc == nil && weight == nil {
		confidence -= 0.1
	}
	if strain == "" {
		confidence -= 0.1
	}
	if len(name) < 3 {
		confidence -= 0.3
	}
	if digitRunRe.MatchString(name) {
		confidence -= 0.2
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func parseFloatOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

var looseNumberRe = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)

func parseFloatLoose(s string) (float64, bool) {
	m := looseNumberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
