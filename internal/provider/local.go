package provider

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrNoIndicators is returned by the pattern tier when nothing in the request
// matched, so the router falls through to static rules.
var ErrNoIndicators = fmt.Errorf("%w: no known indicators in request", ErrDeclined)

type indicator struct {
	label string
	re    *regexp.Regexp
}

var indicators = []indicator{
	{"ipv4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{"url", regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)},
	{"sha256", regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)},
	{"sha1", regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)},
	{"md5", regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)},
	{"cve", regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)},
}

type technique struct {
	name string
	re   *regexp.Regexp
}

var techniques = []technique{
	{"T1003 OS Credential Dumping", regexp.MustCompile(`(?i)\b(mimikatz|sekurlsa|lsass(\.exe)?\s+(dump|access)|procdump.*lsass)`)},
	{"T1059.001 PowerShell", regexp.MustCompile(`(?i)powershell(\.exe)?\s+.*-(e|enc|encodedcommand)\b`)},
	{"T1053.005 Scheduled Task", regexp.MustCompile(`(?i)\bschtasks(\.exe)?\s+/create\b`)},
	{"T1021.002 SMB/Windows Admin Shares", regexp.MustCompile(`(?i)\b(psexec(svc)?|\\\\[^\s\\]+\\(admin|c)\$)`)},
	{"T1490 Inhibit System Recovery", regexp.MustCompile(`(?i)vssadmin(\.exe)?\s+delete\s+shadows`)},
	{"T1070.001 Clear Windows Event Logs", regexp.MustCompile(`(?i)\bwevtutil(\.exe)?\s+cl\b`)},
}

// LocalPatternBackend extracts indicators and technique hints with regular
// expressions. It needs no connectivity and is deterministic.
type LocalPatternBackend struct{}

// NewLocalPatternBackend returns the offline pattern tier.
func NewLocalPatternBackend() *LocalPatternBackend { return &LocalPatternBackend{} }

func (*LocalPatternBackend) ID() string   { return "local-patterns" }
func (*LocalPatternBackend) Kind() string { return "local" }

func (*LocalPatternBackend) HealthCheck(context.Context) error { return nil }

func (*LocalPatternBackend) Generate(_ context.Context, req Request) (string, error) {
	text := requestText(req)

	found := map[string][]string{}
	for _, ind := range indicators {
		for _, m := range ind.re.FindAllString(text, -1) {
			found[ind.label] = appendUnique(found[ind.label], m)
		}
	}
	var hits []string
	for _, tech := range techniques {
		if tech.re.MatchString(text) {
			hits = append(hits, tech.name)
		}
	}
	if len(found) == 0 && len(hits) == 0 {
		return "", ErrNoIndicators
	}

	var b strings.Builder
	b.WriteString("Offline pattern analysis.\n")
	if len(hits) > 0 {
		b.WriteString("\nTechniques suggested by command lines:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(found) > 0 {
		b.WriteString("\nIndicators extracted:\n")
		labels := make([]string, 0, len(found))
		for l := range found {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			vals := found[l]
			sort.Strings(vals)
			fmt.Fprintf(&b, "- %s: %s\n", l, strings.Join(vals, ", "))
		}
	}
	return b.String(), nil
}

type staticRule struct {
	keywords []string
	guidance string
}

var staticRules = []staticRule{
	{
		[]string{"ransom", "encrypt", "vssadmin"},
		"Possible ransomware activity: isolate affected hosts, preserve volatile memory before shutdown, " +
			"and check for shadow copy deletion and mass file renames.",
	},
	{
		[]string{"lsass", "mimikatz", "credential", "password"},
		"Possible credential access: capture memory from affected hosts, review 4624/4625/4672 logon events, " +
			"and plan a credential reset for exposed accounts.",
	},
	{
		[]string{"phish", "email", "attachment", "macro"},
		"Possible phishing vector: collect the original message with headers, detonate attachments in a sandbox, " +
			"and search mail logs for other recipients.",
	},
	{
		[]string{"lateral", "psexec", "rdp", "smb"},
		"Possible lateral movement: correlate 4624 type 3/10 logons across hosts, review service installs (7045), " +
			"and map the authentication path.",
	},
	{
		[]string{"exfil", "upload", "dns tunnel", "beacon"},
		"Possible exfiltration or command and control: review egress flows by volume, inspect DNS query entropy, " +
			"and capture network traffic at the boundary.",
	},
}

const staticFallback = "No remote analysis was available. Standard triage: confirm scope, preserve volatile " +
	"evidence first (memory, network connections, running processes), then acquire disk images and " +
	"collect relevant logs with hashes recorded for chain of custody."

// StaticRulesBackend maps keywords to fixed triage guidance. It never fails
// and is always the last tier.
type StaticRulesBackend struct{}

// NewStaticRulesBackend returns the terminal tier.
func NewStaticRulesBackend() *StaticRulesBackend { return &StaticRulesBackend{} }

func (*StaticRulesBackend) ID() string   { return "static-rules" }
func (*StaticRulesBackend) Kind() string { return "static" }

func (*StaticRulesBackend) HealthCheck(context.Context) error { return nil }

func (*StaticRulesBackend) Generate(_ context.Context, req Request) (string, error) {
	text := strings.ToLower(requestText(req))
	var lines []string
	for _, rule := range staticRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				lines = append(lines, "- "+rule.guidance)
				break
			}
		}
	}
	if len(lines) == 0 {
		return staticFallback, nil
	}
	return "Rule-based guidance:\n" + strings.Join(lines, "\n"), nil
}

func requestText(req Request) string {
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{req.Prompt}
	for _, k := range keys {
		parts = append(parts, req.Context[k])
	}
	return strings.Join(parts, "\n")
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
