package capture

import (
	"strings"

	"strand/internal/config"
)

// Verdict is the failure classification of a finished capture process.
type Verdict int

const (
	// VerdictTransient means a transport-layer failure worth a failover
	// attempt through a different proxy.
	VerdictTransient Verdict = iota
	// VerdictSourceEnded means the producer stopped broadcasting. This is
	// the normal completion path, not an error.
	VerdictSourceEnded
	// VerdictFatal means an unrecoverable local failure such as disk full
	// or permission denied. No failover is attempted.
	VerdictFatal
)

// String renders the verdict for logs and persisted error summaries.
func (v Verdict) String() string {
	switch v {
	case VerdictTransient:
		return "transient"
	case VerdictSourceEnded:
		return "source_ended"
	case VerdictFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps capture process output and exit status to a Verdict using
// configured signature tables. Signatures are matched case-insensitively as
// substrings of the retained output tail. The tables are a policy surface:
// they are tuned to whatever capture tool is configured, not hardcoded here.
type Classifier struct {
	transient []string
	sourceEnd []string
	fatal     []string
}

// NewClassifier builds a classifier from the capture configuration.
func NewClassifier(cfg config.Capture) *Classifier {
	return &Classifier{
		transient: lowerAll(cfg.TransientSignatures),
		sourceEnd: lowerAll(cfg.SourceEndSignatures),
		fatal:     lowerAll(cfg.FatalSignatures),
	}
}

// Classify decides the verdict for a finished capture. Precedence: fatal
// signatures win over everything, then a clean end-of-source, then transient
// signatures. A zero exit with no signature match counts as source ended.
// Any other unmatched failure is treated as transient so the recovery budget,
// not the classifier, bounds retries.
func (c *Classifier) Classify(result Result) Verdict {
	output := strings.ToLower(result.Output)

	if matchAny(output, c.fatal) {
		return VerdictFatal
	}
	if matchAny(output, c.sourceEnd) {
		return VerdictSourceEnded
	}
	if matchAny(output, c.transient) {
		return VerdictTransient
	}
	if result.Err == nil && result.ExitCode == 0 {
		return VerdictSourceEnded
	}
	return VerdictTransient
}

func matchAny(output string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(output, sig) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
