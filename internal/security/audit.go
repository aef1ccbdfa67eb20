package security

import (
	"fmt"
	"os"
	"time"
)

// AuditOptions names the paths the workspace audit inspects.
type AuditOptions struct {
	WorkspaceDir string // memory database, audit log, room state
	ConfigPath   string // may hold API keys when the keyring backend is off
	SkillsDir    string // executable instructions, must not be world-writable
}

// AuditWorkspace checks filesystem permissions on the directories and
// files that hold secrets or executable instructions.
func AuditWorkspace(opts AuditOptions) *Report {
	report := &Report{Timestamp: time.Now().UTC()}

	if opts.WorkspaceDir != "" {
		report.Findings = append(report.Findings,
			checkPath(opts.WorkspaceDir, "workspace directory", "fs.workspace")...)
	}
	if opts.ConfigPath != "" {
		report.Findings = append(report.Findings,
			checkConfigFile(opts.ConfigPath)...)
	}
	if opts.SkillsDir != "" {
		report.Findings = append(report.Findings,
			checkPath(opts.SkillsDir, "skills directory", "fs.skills")...)
	}
	return report
}

// checkPath audits one path for symlink indirection and loose
// permissions. A missing path yields no findings.
func checkPath(path, description, checkID string) []Finding {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}

	var findings []Finding
	if info.Mode()&os.ModeSymlink != 0 {
		findings = append(findings, Finding{
			CheckID:     checkID + ".symlink",
			Severity:    SeverityWarn,
			Title:       fmt.Sprintf("%s is a symlink", description),
			Detail:      fmt.Sprintf("%s at %s is a symbolic link, which can cross trust boundaries.", description, path),
			Remediation: "Use a real directory for sensitive data.",
		})
	}

	mode := info.Mode().Perm()
	if mode&0o002 != 0 {
		findings = append(findings, Finding{
			CheckID:     checkID + ".world_writable",
			Severity:    SeverityCritical,
			Title:       fmt.Sprintf("%s is world-writable", description),
			Detail:      fmt.Sprintf("%s at %s has permissions %o.", description, path, mode),
			Remediation: fmt.Sprintf("Run: chmod o-w %s", path),
		})
	}
	if mode&0o004 != 0 {
		findings = append(findings, Finding{
			CheckID:     checkID + ".world_readable",
			Severity:    SeverityWarn,
			Title:       fmt.Sprintf("%s is world-readable", description),
			Detail:      fmt.Sprintf("%s at %s has permissions %o.", description, path, mode),
			Remediation: fmt.Sprintf("Run: chmod o-r %s", path),
		})
	}
	return findings
}

// checkConfigFile is stricter than checkPath: the config file can hold
// provider keys, so any access beyond the owner is critical.
func checkConfigFile(path string) []Finding {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}

	var findings []Finding
	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		findings = append(findings, Finding{
			CheckID:     "fs.config_exposed",
			Severity:    SeverityCritical,
			Title:       "config file readable by other users",
			Detail:      fmt.Sprintf("config at %s has permissions %o; it may contain provider API keys.", path, mode),
			Remediation: fmt.Sprintf("Run: chmod 600 %s", path),
		})
	}
	return findings
}
