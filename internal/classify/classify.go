// Package classify turns a raw evidence submission into a normalized pattern
// signature and a resolved weight. Everything here is pure.
package classify

import (
	"slices"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// MaxKeywords caps the keyword set stored on a signature.
const MaxKeywords = 20

// minTokenLen drops short tokens ("a", "to", "of") from keywords.
const minTokenLen = 3

// IntentGeneral is the fallback intent when no trigger phrase matches.
const IntentGeneral = "general"

// Result is the classifier output for one submission.
type Result struct {
	Type      model.EvidenceType
	Signature model.Signature
	Weight    float64
	// Text is the joined context used for embedding.
	Text string
}

// Classify extracts the signature and resolves the weight for sub.
func Classify(sub model.EvidenceSubmission, weights model.EvidenceWeightConfig) (Result, error) {
	sub.Type = model.ParseEvidenceType(string(sub.Type))
	if err := sub.Validate(); err != nil {
		return Result{}, err
	}

	weight, err := weights.Resolve(sub.Type)
	if err != nil {
		return Result{}, err
	}
	if weight <= 0 {
		return Result{}, eris.Wrapf(model.ErrValidation, "classify: resolved weight %.2f for %s", weight, sub.Type)
	}

	text := sub.Context.Text()
	tokens := Tokenize(text)

	return Result{
		Type: sub.Type,
		Signature: model.Signature{
			Intent:           Intent(tokens),
			Keywords:         Keywords(tokens),
			Domains:          Domains(tokens),
			FailedWorkflowID: strings.TrimSpace(sub.FailedWorkflowID),
		},
		Weight: weight,
		Text:   text,
	}, nil
}

// Normalize decomposes s, strips combining marks and lowercases it, so
// "Résumé" and "resume" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokenize normalizes s and splits it on anything that is not a letter or
// digit. Stop words are kept so phrase matching still works.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords filters tokens to a sorted, de-duplicated set of at most
// MaxKeywords content words. The cap keeps the first distinct words seen.
func Keywords(tokens []string) []string {
	out := make([]string, 0, MaxKeywords)
	for _, tok := range tokens {
		if len(out) == MaxKeywords {
			break
		}
		if len(tok) < minTokenLen || isNumeric(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if !slices.Contains(out, tok) {
			out = append(out, tok)
		}
	}
	slices.Sort(out)
	return out
}

// Intent returns the first intent whose trigger phrase occurs in tokens.
func Intent(tokens []string) string {
	joined := " " + strings.Join(tokens, " ") + " "
	for _, rule := range intentRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(joined, " "+phrase+" ") {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}

// Domains returns every domain whose stems prefix at least one token, sorted.
func Domains(tokens []string) []string {
	var out []string
	for _, rule := range domainRules {
		if matchesAnyStem(tokens, rule.stems) {
			out = append(out, rule.domain)
		}
	}
	slices.Sort(out)
	return out
}

// IsRegulated reports whether domain carries regulatory exposure.
func IsRegulated(domain string) bool {
	return slices.Contains(RegulatedDomains, domain)
}

// AnyRegulated reports whether any of domains is regulated.
func AnyRegulated(domains []string) bool {
	return slices.ContainsFunc(domains, IsRegulated)
}

func matchesAnyStem(tokens, stems []string) bool {
	for _, tok := range tokens {
		for _, stem := range stems {
			if strings.HasPrefix(tok, stem) {
				return true
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
