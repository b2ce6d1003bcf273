package approval

import "regexp"

// RiskLevel indicates the potential impact of a command.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// High risk patterns - destructive or system-wide impact
var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*|--recursive)\s`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bfdisk\b|\bparted\b|\bwipefs\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-R\s+)?777\b`),
	regexp.MustCompile(`(?i)\bapt(-get)?\s+(remove|purge)\b`),
	regexp.MustCompile(`(?i)\b(yum|dnf)\s+(remove|erase)\b`),
	regexp.MustCompile(`(?i)\biptables\s+-F\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+(disable|mask)\b`),
	regexp.MustCompile(`(?i)\b(reboot|shutdown|poweroff|halt)\b`),
	regexp.MustCompile(`(?i)\bkill\s+-9\s`),
	regexp.MustCompile(`(?i)\bpkill\s+-9\b`),
	regexp.MustCompile(`(?i)\bdocker\s+(rm\s+-f|system\s+prune)`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// Medium risk patterns - service impact but recoverable
var mediumRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsystemctl\s+(restart|stop|start|reload)\b`),
	regexp.MustCompile(`(?i)\bservice\s+\S+\s+(restart|stop|start)\b`),
	regexp.MustCompile(`(?i)\bdocker\s+(restart|stop|start|kill)\b`),
	regexp.MustCompile(`(?i)\bapt(-get)?\s+(update|upgrade|install)\b`),
	regexp.MustCompile(`(?i)\b(yum|dnf)\s+(update|install)\b`),
	regexp.MustCompile(`(?i)\bkill\b|\bpkill\b`),
	regexp.MustCompile(`(?i)\bchmod\b|\bchown\b`),
	regexp.MustCompile(`(?i)\bmv\s|\bcp\s+-r`),
	regexp.MustCompile(`(?i)\brm\s`),
	regexp.MustCompile(`(?i)\bsed\s+-i\b`),
	regexp.MustCompile(`[^|]>\s*\S`),
}

// AssessRiskLevel classifies the potential impact of a command. It only
// informs the operator; the gate never executes without approval.
func AssessRiskLevel(command string) RiskLevel {
	for _, pattern := range highRiskPatterns {
		if pattern.MatchString(command) {
			return RiskHigh
		}
	}
	for _, pattern := range mediumRiskPatterns {
		if pattern.MatchString(command) {
			return RiskMedium
		}
	}
	return RiskLow
}
