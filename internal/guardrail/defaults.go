package guardrail

import "regexp"

// Built-in policy ids.
const (
	FilesystemDestruction = "filesystem-destruction"
	ForkBomb              = "fork-bomb"
	DiskWipe              = "disk-wipe"
	RemoteCodeExecution   = "remote-code-execution"
	ReverseShell          = "reverse-shell"
	CredentialExfil       = "credential-exfiltration"
	PrivilegedTampering   = "privileged-config-tampering"
	RecursiveDelete       = "recursive-delete"
	Sudo                  = "sudo"
	ForcePush             = "git-force-push"
	PackageInstall        = "package-install"
	MassKill              = "mass-kill"
)

type policySpec struct {
	id          string
	description string
	severity    Severity
	patterns    []string
}

var defaultSpecs = []policySpec{
	{
		id:          FilesystemDestruction,
		description: "recursive deletion of the root filesystem, home directory or a system directory",
		severity:    Critical,
		patterns: []string{
			`\brm\s+(?:-[a-z-]*\s+)*(?:-[a-z]*r[a-z]*|--recursive)\s+(?:-[a-z-]*\s+)*["']?(?:/|/\*|~/?|\$HOME/?|\$\{HOME\}/?|/(?:bin|boot|dev|etc|lib|lib64|opt|root|sbin|srv|usr|var|home)/?)["']?(?:\s|;|&|\||$)`,
			`\bfind\s+/(?:\s|$).*\s-delete\b`,
			`\bchown\s+(?:-[a-z]*\s+)*-[a-z]*r[a-z]*\s+\S+\s+/(?:\s|$)`,
		},
	},
	{
		id:          ForkBomb,
		description: "fork bomb that exhausts the process table",
		severity:    Critical,
		patterns: []string{
			`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			`\bfork\s+while\s+fork\b`,
			`\bwhile\s*\(?\s*(?:true|1)\s*\)?\s*;?\s*do\s+\$0\s*&`,
		},
	},
	{
		id:          DiskWipe,
		description: "formatting or overwriting a block device",
		severity:    Critical,
		patterns: []string{
			`\bmkfs(?:\.\w+)?\b`,
			`\bdd\b.*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`,
			`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)[a-z0-9]*`,
			`\bwipefs\b`,
			`\bshred\b.*\s/dev/`,
			`\b(?:fdisk|sfdisk|parted)\s+/dev/`,
		},
	},
	{
		id:          RemoteCodeExecution,
		description: "piping a downloaded script straight into an interpreter",
		severity:    Critical,
		patterns: []string{
			`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo(?:\s+-\S+)*\s+)?(?:ba|z|da|k)?sh\b`,
			`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo(?:\s+-\S+)*\s+)?(?:python[0-9.]*|perl|ruby|node)\b`,
			`\b(?:ba|z)?sh\s+-c\s+["']?\$\(\s*(?:curl|wget)\b`,
			`\b(?:ba|z)?sh\s+<\s*\(\s*(?:curl|wget)\b`,
			`\beval\s+"?\$\(\s*(?:curl|wget)\b`,
		},
	},
	{
		id:          ReverseShell,
		description: "reverse shell connecting an interactive shell to a remote host",
		severity:    Critical,
		patterns: []string{
			`/dev/(?:tcp|udp)/`,
			`\bnc(?:at)?\b.*\s(?:-e|-c|--exec|--sh-exec)\s`,
			`\bsocat\b.*\bexec:`,
			`\bmkfifo\b.*\bnc\b`,
			`\bsocket\b.*\bsubprocess\b.*\b(?:sh|bash)\b`,
		},
	},
	{
		id:          CredentialExfil,
		description: "sending secrets or credential files to a remote host",
		severity:    Critical,
		patterns: []string{
			`(?:\.ssh/id_|\.aws/credentials|/etc/shadow|\.netrc|\.kube/config|\.docker/config\.json|\.git-credentials).*\|\s*(?:curl|wget|nc|ncat)\b`,
			`\bcurl\b.*(?:-d|--data(?:-binary)?|-F|--form|-T|--upload-file)\s*@?\S*(?:\.ssh/|\.aws/credentials|/etc/shadow|\.netrc|\.kube/config|\.git-credentials)`,
			`\b(?:env|printenv)\b\s*\|\s*(?:curl|wget|nc|ncat)\b`,
			`\bscp\b.*(?:\.ssh/id_|\.aws/credentials|/etc/shadow)\S*\s+\S+@\S+:`,
		},
	},
	{
		id:          PrivilegedTampering,
		description: "modifying system authentication or privilege configuration",
		severity:    Critical,
		patterns: []string{
			`>>?\s*/etc/(?:sudoers|passwd|shadow|group|gshadow)\b`,
			`\bvisudo\b`,
			`\b(?:tee|sed\s+-i)\b.*\s/etc/(?:sudoers|passwd|shadow|group|ssh/sshd_config)\b`,
			`\bchmod\s+(?:-[a-z]+\s+)*[0-7]?777\s+/(?:\s|$|etc\b|usr\b|bin\b)`,
			`\busermod\b.*\s-a?G\s+(?:sudo|wheel|root|admin)\b`,
			`>>\s*\S*\.ssh/authorized_keys\b`,
		},
	},
	{
		id:          RecursiveDelete,
		description: "recursive deletion",
		severity:    High,
		patterns: []string{
			`\brm\s+(?:-[a-z-]*\s+)*(?:-[a-z]*r[a-z]*|--recursive)\b`,
		},
	},
	{
		id:          Sudo,
		description: "command runs with elevated privileges",
		severity:    Medium,
		patterns: []string{
			`(?:^|[;&|]\s*)sudo\s`,
		},
	},
	{
		id:          ForcePush,
		description: "force push rewrites remote history",
		severity:    Medium,
		patterns: []string{
			`\bgit\s+push\b.*(?:\s-f\b|--force)`,
		},
	},
	{
		id:          MassKill,
		description: "signals many processes at once",
		severity:    Medium,
		patterns: []string{
			`\b(?:killall|pkill)\b`,
			`\bkill\s+-9\s+-1\b`,
		},
	},
	{
		id:          PackageInstall,
		description: "installs packages",
		severity:    Low,
		patterns: []string{
			`\b(?:apt|apt-get|yum|dnf|apk|brew)\s+install\b`,
			`\bpip3?\s+install\b`,
			`\bnpm\s+(?:i|install)\s+(?:-g|--global)\b`,
		},
	},
}

var compiledDefaults = compile(defaultSpecs)

func compile(specs []policySpec) []Policy {
	policies := make([]Policy, 0, len(specs))
	for _, s := range specs {
		p := Policy{
			ID:          s.id,
			Description: s.description,
			Severity:    s.severity,
			Enabled:     true,
		}
		for _, pat := range s.patterns {
			p.Patterns = append(p.Patterns, regexp.MustCompile(`(?i)`+pat))
		}
		policies = append(policies, p)
	}
	return policies
}

// Defaults returns a fresh copy of the built-in policy set, all enabled.
// Critical policies come first so a blocking match is found before any
// advisory work is done.
func Defaults() []Policy {
	out := make([]Policy, len(compiledDefaults))
	copy(out, compiledDefaults)
	return out
}
