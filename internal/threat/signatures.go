package threat

import (
	"regexp"
	"strings"
	"time"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Known signatures, in catalog order.
const (
	PatternSQLInjection        = "sql-injection"
	PatternXSS                 = "xss"
	PatternBruteForce          = "brute-force"
	PatternDDoS                = "ddos"
	PatternPhishing            = "phishing"
	PatternMalwareSignature    = "malware-signature"
	PatternCredentialStuffing  = "credential-stuffing"
	PatternSessionHijacking    = "session-hijacking"
	PatternDirectoryTraversal  = "directory-traversal"
	PatternCommandInjection    = "command-injection"
	PatternCSRF                = "csrf"
	PatternOpenRedirect        = "open-redirect"
	PatternHostHeaderInjection = "host-header-injection"
	PatternXMLInjection        = "xml-injection"
	PatternSSRF                = "ssrf"
	PatternFileInclusion       = "file-inclusion"

	PatternUnknown = "unknown"
)

var knownPatterns = []string{
	PatternSQLInjection, PatternXSS, PatternBruteForce, PatternDDoS,
	PatternPhishing, PatternMalwareSignature, PatternCredentialStuffing,
	PatternSessionHijacking, PatternDirectoryTraversal, PatternCommandInjection,
	PatternCSRF, PatternOpenRedirect, PatternHostHeaderInjection,
	PatternXMLInjection, PatternSSRF, PatternFileInclusion,
}

// defaultSignatureConfidence is reported by signatures without a detector.
const defaultSignatureConfidence = 0.3

// detector is a deterministic heuristic with fixed hit/miss confidences.
type detector struct {
	hit   float64
	miss  float64
	match func(ev schema.AttackEvent, h *History) bool
}

var detectors = map[string]detector{
	PatternSQLInjection:       {hit: 0.9, miss: 0.1, match: func(ev schema.AttackEvent, _ *History) bool { return matchAny(sqlPatterns, ev.Payload) }},
	PatternXSS:                {hit: 0.9, miss: 0.1, match: func(ev schema.AttackEvent, _ *History) bool { return matchAny(xssPatterns, ev.Payload) }},
	PatternBruteForce:         {hit: 0.8, miss: 0.2, match: detectBruteForce},
	PatternDDoS:               {hit: 0.7, miss: 0.1, match: detectDDoS},
	PatternCredentialStuffing: {hit: 0.85, miss: 0.15, match: detectCredentialStuffing},
}

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|create|alter|exec|union)\b`),
	regexp.MustCompile(`(?i)\b(or|and)\b\s+\d+\s*[=<>]\s*\d+`),
	regexp.MustCompile(`(?i)\b(union|select)\b\s+.*\bfrom\b`),
	regexp.MustCompile(`(--|/\*|\*/)`),
	regexp.MustCompile(`(?i)\bxp_cmdshell\b`),
	regexp.MustCompile(`(?i)\bscript\b`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<iframe\b[^>]*>`),
	regexp.MustCompile(`(?i)<object\b[^>]*>`),
	regexp.MustCompile(`(?i)<embed\b[^>]*>`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)document\.cookie`),
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func detectBruteForce(ev schema.AttackEvent, h *History) bool {
	n := 0
	for _, o := range h.FromSource(ev.SourceAddress, ev.Timestamp.Add(-5*time.Minute)) {
		if o.attackType == PatternBruteForce {
			n++
		}
	}
	return n > 5
}

func detectDDoS(ev schema.AttackEvent, h *History) bool {
	return h.CountSince(ev.Timestamp.Add(-time.Minute)) > 100
}

func detectCredentialStuffing(ev schema.AttackEvent, h *History) bool {
	recent := h.FromSource(ev.SourceAddress, ev.Timestamp.Add(-time.Hour))
	targets := make(map[string]struct{})
	for _, o := range recent {
		targets[o.event.Target] = struct{}{}
	}
	return len(recent) > 10 && len(targets) > 5
}

// signatureConfidence runs the dedicated detector for pattern, if any.
func signatureConfidence(pattern string, ev schema.AttackEvent, h *History) float64 {
	d, ok := detectors[pattern]
	if !ok {
		return defaultSignatureConfidence
	}
	if d.match(ev, h) {
		return d.hit
	}
	return d.miss
}

// NormalizePattern maps free-form attack type hints such as "SQL_Injection"
// onto catalog names.
func NormalizePattern(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	hint = strings.ReplaceAll(hint, "_", "-")
	switch hint {
	case "":
		return ""
	case "xss-attack", "cross-site-scripting":
		return PatternXSS
	case "sqli", "injection":
		return PatternSQLInjection
	case "dos", "denial-of-service":
		return PatternDDoS
	case "csrf-attack":
		return PatternCSRF
	case "ssrf-attack":
		return PatternSSRF
	}
	return hint
}
