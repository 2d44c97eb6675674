package threat

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Feature indexes into a FeatureVector. The order is part of the scoring
// contract.
const (
	FeaturePayloadLength = iota
	FeaturePayloadComplexity
	FeatureUserAgentSuspicious
	FeatureSourceReputation
	FeatureTimeAnomaly
	FeatureRequestFrequency
	FeatureHeaderAnomaly
	FeatureGeolocationRisk
	FeatureBehavioralDiversity
	numFeatures
)

var featureNames = [numFeatures]string{
	"payload_length",
	"payload_complexity",
	"user_agent_suspicious",
	"source_reputation",
	"time_anomaly",
	"request_frequency",
	"header_anomaly",
	"geolocation_risk",
	"behavioral_diversity",
}

// FeatureName returns the stable name of feature i.
func FeatureName(i int) string { return featureNames[i] }

// FeatureVector holds one normalized [0,1] value per feature.
type FeatureVector [numFeatures]float64

const initialFeatureWeight = 0.5

// FeatureWeights are the learned weights of the linear scorer.
type FeatureWeights struct {
	mu sync.RWMutex
	w  [numFeatures]float64
}

func newFeatureWeights() *FeatureWeights {
	fw := &FeatureWeights{}
	fw.reset()
	return fw
}

func (fw *FeatureWeights) reset() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for i := range fw.w {
		fw.w[i] = initialFeatureWeight
	}
}

// Score combines v as sigmoid(Σ(value·weight) / Σweight).
func (fw *FeatureWeights) Score(v FeatureVector) float64 {
	fw.mu.RLock()
	defer fw.mu.RUnlock()

	var activation, total float64
	for i, x := range v {
		activation += x * fw.w[i]
		total += fw.w[i]
	}
	if total == 0 {
		return 0.5
	}
	return sigmoid(activation / total)
}

// Adjust moves every weight toward the combined score by rate, clamped to [0,1].
func (fw *FeatureWeights) Adjust(v FeatureVector, combined, rate float64) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for i, x := range v {
		fw.w[i] = clamp01(fw.w[i] + rate*(combined-x))
	}
}

// Snapshot returns the weights keyed by feature name.
func (fw *FeatureWeights) Snapshot() map[string]float64 {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	out := make(map[string]float64, numFeatures)
	for i, w := range fw.w {
		out[featureNames[i]] = w
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

var suspiciousAgents = regexp.MustCompile(`(?i)bot|crawler|scanner|nmap|sqlmap|nikto|dirbuster|gobuster|python|curl|wget|headless|selenium`)

var complexityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[<>]`),
	regexp.MustCompile(`['"]`),
	regexp.MustCompile(`\d+`),
	regexp.MustCompile(`[a-zA-Z]{3,}`),
	regexp.MustCompile(`[\W_]`),
}

var privateRanges = []string{"192.168.", "10.", "172.16.", "127.0."}

var highRiskGeoRanges = []string{"192.168.", "10."}

// featureExtractor derives a FeatureVector from an event and prior history.
type featureExtractor struct {
	knownBad map[string]struct{}
}

func newFeatureExtractor(knownBad []string) featureExtractor {
	set := make(map[string]struct{}, len(knownBad))
	for _, s := range knownBad {
		set[s] = struct{}{}
	}
	return featureExtractor{knownBad: set}
}

func (fx featureExtractor) extract(ev schema.AttackEvent, h *History, behavioral float64) FeatureVector {
	var v FeatureVector
	v[FeaturePayloadLength] = math.Min(1, float64(len(ev.Payload))/1000)
	v[FeaturePayloadComplexity] = payloadComplexity(ev.Payload)
	if isSuspiciousAgent(ev.UserAgent) {
		v[FeatureUserAgentSuspicious] = 1
	}
	v[FeatureSourceReputation] = fx.sourceReputation(ev, h)
	if hour := ev.Timestamp.Hour(); hour >= 2 && hour <= 6 {
		v[FeatureTimeAnomaly] = 1
	}
	v[FeatureRequestFrequency] = math.Min(1, float64(len(h.FromSource(ev.SourceAddress, ev.Timestamp.Add(-time.Minute))))/10)
	v[FeatureHeaderAnomaly] = headerAnomaly(ev.UserAgent)
	v[FeatureGeolocationRisk] = geolocationRisk(ev.SourceAddress)
	v[FeatureBehavioralDiversity] = behavioral
	return v
}

func payloadComplexity(payload string) float64 {
	if payload == "" {
		return 0
	}
	complexity := math.Min(1, float64(len(payload))/500)

	unique := make(map[rune]struct{})
	for _, r := range payload {
		unique[r] = struct{}{}
	}
	complexity += float64(len(unique)) / 100

	for _, p := range complexityPatterns {
		complexity += float64(len(p.FindAllStringIndex(payload, -1))) * 0.1
	}
	return math.Min(1, complexity)
}

func isSuspiciousAgent(ua string) bool {
	return ua != "" && suspiciousAgents.MatchString(ua)
}

func (fx featureExtractor) sourceReputation(ev schema.AttackEvent, h *History) float64 {
	if _, bad := fx.knownBad[ev.SourceAddress]; bad {
		return 1
	}
	if hasAnyPrefix(ev.SourceAddress, privateRanges) {
		return 0.8
	}
	switch n := len(h.FromSource(ev.SourceAddress, ev.Timestamp.Add(-time.Hour))); {
	case n > 10:
		return 0.9
	case n > 5:
		return 0.7
	case n > 2:
		return 0.5
	default:
		return 0.1
	}
}

func headerAnomaly(ua string) float64 {
	anomalies := 0
	if len(ua) < 10 {
		anomalies++
	}
	if isSuspiciousAgent(ua) {
		anomalies++
	}
	return float64(anomalies) / 2
}

// geolocationRisk stands in for a GeoIP lookup.
func geolocationRisk(addr string) float64 {
	if hasAnyPrefix(addr, highRiskGeoRanges) {
		return 0.8
	}
	return 0.25
}

// behavioralScore measures attack-type diversity and inter-arrival variance
// of the source's events in the last hour.
func behavioralScore(ev schema.AttackEvent, h *History) float64 {
	recent := h.FromSource(ev.SourceAddress, ev.Timestamp.Add(-time.Hour))
	if len(recent) < 2 {
		return 0.1
	}

	types := make(map[string]struct{})
	for _, o := range recent {
		types[o.attackType] = struct{}{}
	}
	diversity := float64(len(types)) / float64(len(recent))

	intervals := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, float64(recent[i].event.Timestamp.Sub(recent[i-1].event.Timestamp).Milliseconds()))
	}
	_, variance := meanVariance(intervals)
	timing := math.Min(1, variance/1e6)

	return (diversity + timing) / 2
}

func meanVariance(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var acc float64
	for _, x := range xs {
		acc += (x - mean) * (x - mean)
	}
	return mean, acc / float64(len(xs))
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
