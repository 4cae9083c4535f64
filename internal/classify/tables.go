package classify

type intentRule struct {
	intent  string
	phrases []string
}

// intentRules is ordered: the first rule with a matching phrase wins.
// Phrases are written in tokenized form (lowercase, single spaces).
var intentRules = []intentRule{
	{"comparison", []string{"compare", "comparison", "versus", "vs", "difference between", "which is better", "side by side"}},
	{"troubleshooting", []string{"not working", "broken", "debug", "error", "crash", "crashes", "fails", "failing", "fix"}},
	{"translation", []string{"translate", "translation", "in spanish", "in french", "in german"}},
	{"summarization", []string{"summarize", "summarise", "summary", "tl dr", "recap", "key points"}},
	{"code", []string{"write code", "code", "script", "function", "implement", "refactor", "sql query"}},
	{"data_export", []string{"export", "download", "csv", "spreadsheet", "excel"}},
	{"extraction", []string{"extract", "parse", "pull out", "scrape"}},
	{"research", []string{"research", "find sources", "investigate", "look up", "citations", "latest news"}},
	{"analysis", []string{"analyze", "analyse", "analysis", "breakdown", "evaluate", "assess", "trend"}},
	{"planning", []string{"plan", "schedule", "roadmap", "itinerary", "timeline"}},
	{"writing", []string{"write", "draft", "compose", "rewrite", "email", "essay"}},
}

type domainRule struct {
	domain string
	stems  []string
}

// RegulatedDomains add compliance exposure to any workflow that serves them.
var RegulatedDomains = []string{"financial", "legal", "medical"}

// domainRules match on token prefixes so plurals and inflections hit.
var domainRules = []domainRule{
	{"medical", []string{"medic", "patient", "clinic", "diagnos", "symptom", "prescri", "hipaa", "doctor", "hospital", "dosage"}},
	{"legal", []string{"legal", "lawsuit", "attorney", "lawyer", "contract", "clause", "litigat", "statut", "regulat", "gdpr"}},
	{"financial", []string{"financ", "invoice", "payment", "tax", "accounting", "bank", "revenue", "invest", "loan", "payroll"}},
	{"technical", []string{"api", "server", "database", "deploy", "kubernetes", "docker", "code", "sql", "backend"}},
	{"marketing", []string{"marketing", "campaign", "seo", "brand", "audience", "advertis", "newsletter"}},
	{"hr", []string{"hiring", "recruit", "employee", "onboard", "candidate", "interview"}},
	{"education", []string{"student", "lesson", "curricul", "teacher", "course", "homework"}},
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {}, "all": {},
	"any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {}, "our": {}, "out": {},
	"has": {}, "him": {}, "his": {}, "how": {}, "its": {}, "may": {}, "new": {}, "now": {},
	"own": {}, "see": {}, "two": {}, "way": {}, "who": {}, "did": {}, "get": {}, "got": {},
	"let": {}, "use": {}, "she": {}, "too": {}, "very": {}, "this": {}, "that": {}, "with": {},
	"from": {}, "they": {}, "them": {}, "then": {}, "than": {}, "have": {}, "been": {}, "were": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "there": {}, "their": {}, "these": {}, "those": {}, "into": {}, "about": {}, "just": {},
	"also": {}, "only": {}, "some": {}, "such": {}, "more": {}, "most": {}, "other": {}, "over": {},
	"again": {}, "once": {}, "here": {}, "does": {}, "doing": {}, "because": {}, "until": {}, "being": {},
	"your": {}, "yours": {}, "mine": {}, "please": {}, "want": {}, "need": {}, "like": {}, "really": {},
	"still": {}, "even": {}, "didn": {}, "doesn": {}, "don": {}, "isn": {}, "wasn": {},
	"cannot": {}, "every": {}, "each": {}, "after": {}, "before": {}, "why": {}, "yes": {}, "okay": {},
}
