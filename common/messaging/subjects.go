package messaging

// Subjects follow {domain}.{resource}.{action}.
const (
	// SubjectScanResults carries one execution result per rule run.
	SubjectScanResults = "threatmatch.results.scan"

	// SubjectAlertsCreated carries the alerts produced by a rule run.
	SubjectAlertsCreated = "threatmatch.alerts.created"
)

// Header keys set on published messages.
const (
	HeaderRule  = "Threatmatch-Rule"
	HeaderRunID = "Threatmatch-Run-Id"
)

// RuleSubject scopes subject to a single rule, e.g. threatmatch.alerts.created.ti-default.
func RuleSubject(subject, rule string) string {
	return subject + "." + rule
}
