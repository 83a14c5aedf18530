// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// SkillFile is one skill document installed into the sandbox for the agent
// to discover.
type SkillFile struct {
	// Name is the skill's directory name under the skills root
	Name string

	// Content is the skill markdown
	Content string
}

// SourceAuth authenticates a source-control integration inside the sandbox
type SourceAuth struct {
	// Host is the git host, e.g. "github.com"
	Host string

	// Token is the access token used for HTTPS clones
	Token string
}

const (
	agentConfigPath = "/opt/harbor/agent.json"
	skillsRoot      = "/opt/harbor/skills"
	agentLogPath    = "/var/log/harbor-agent.log"
)

// instructionFiles are fixed platform-specific instruction documents written
// into every sandbox.
var instructionFiles = map[string]string{
	"/opt/harbor/AGENT.md": "# Harbor sandbox\n\n" +
		"This environment is ephemeral. Work happens under the session work directory.\n" +
		"Skills installed under " + skillsRoot + " describe workspace-specific capabilities.\n",
	"/opt/harbor/SECURITY.md": "# Security notes\n\n" +
		"Never print credentials. Outbound network access may be restricted.\n",
}

// writeFileCmd emits a shell command writing content to path, creating the
// parent directory. Content goes through shellquote so it never gets
// interpreted by the shell.
func writeFileCmd(path, content string) string {
	dir := path[:strings.LastIndex(path, "/")]
	return "mkdir -p " + shellquote.Join(dir) +
		" && printf '%s' " + shellquote.Join(content) +
		" > " + shellquote.Join(path)
}

// skillInstallCmds emits the commands installing custom and registry skill
// files under the skills root.
func skillInstallCmds(skills []SkillFile) []string {
	var cmds []string
	for _, s := range skills {
		if s.Name == "" {
			continue
		}
		cmds = append(cmds, writeFileCmd(skillsRoot+"/"+s.Name+"/SKILL.md", s.Content))
	}
	return cmds
}

// sourceAuthCmds emits the commands configuring git credentials for each
// source-control integration.
func sourceAuthCmds(sources []SourceAuth) []string {
	var cmds []string
	for _, src := range sources {
		if src.Host == "" || src.Token == "" {
			continue
		}
		credLine := "https://x-access-token:" + src.Token + "@" + src.Host
		cmds = append(cmds,
			"printf '%s\\n' "+shellquote.Join(credLine)+" >> /root/.git-credentials",
			"git config --global credential.helper store",
		)
	}
	return cmds
}
