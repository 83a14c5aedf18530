// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/harbor-ai-inc/harbor-backend/internal/agent"
)

const (
	// defaultPollAttempts is the readiness polling budget: ~90 one-second
	// attempts against the sandbox's external URL.
	defaultPollAttempts = 90
	defaultPollInterval = time.Second

	defaultWorkDir = "/workspace"

	// cloneFailedMarker appears in setup output when the repository clone
	// failed. Clone failure is non-fatal: the work directory still exists
	// so the agent server can start.
	cloneFailedMarker = "HARBOR_CLONE_FAILED"

	setupTimeout = 5 * time.Minute
	startTimeout = 30 * time.Second
)

var ErrNotReady = errors.New("agent server never became reachable")

// CreateOptions configures sandbox provisioning
type CreateOptions struct {
	// RepoURL, when set, is cloned into the work directory
	RepoURL string

	// Branch checks out a specific branch after cloning
	Branch string

	// Skills are installed under the sandbox skills root
	Skills []SkillFile

	// Sources authenticate source-control integrations
	Sources []SourceAuth

	// Secrets become interpolated environment variables in the sandbox
	Secrets map[string]string
}

// Handle is the live connection to a provisioned sandbox. It is owned
// exclusively by one session at a time.
type Handle struct {
	SandboxID  string
	URL        string
	Credential string
	WorkDir    string

	// CloneWarning records a non-fatal repository clone failure
	CloneWarning string
}

// ForkResult is a Handle plus the ephemeral snapshot the fork was built
// from. The caller must delete the snapshot once the fork flow finishes,
// whether it succeeded or not.
type ForkResult struct {
	Handle
	SnapshotID string
}

// Provisioner creates, forks and destroys sandboxes and starts the agent
// server inside them.
type Provisioner struct {
	platform Client

	image        string
	pollAttempts int
	pollInterval time.Duration

	// agentHTTP is the HTTP client used for readiness probes
	agentHTTP *http.Client
}

// ProvisionerOption configures the Provisioner
type ProvisionerOption func(*Provisioner)

// WithImage sets the base image for new sandboxes
func WithImage(image string) ProvisionerOption {
	return func(p *Provisioner) {
		p.image = image
	}
}

// WithPollBudget tunes the readiness polling loop (for testing)
func WithPollBudget(attempts int, interval time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.pollAttempts = attempts
		p.pollInterval = interval
	}
}

// WithAgentHTTPClient sets the HTTP client used for readiness probes
func WithAgentHTTPClient(client *http.Client) ProvisionerOption {
	return func(p *Provisioner) {
		p.agentHTTP = client
	}
}

// NewProvisioner creates a Provisioner backed by the given platform client
func NewProvisioner(platform Client, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		platform:     platform,
		image:        DefaultSpec().Image,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
		agentHTTP:    &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create allocates a sandbox, runs the batched setup script, starts the
// agent server and polls until it is reachable from outside. Any error after
// the sandbox exists destroys it before returning, so failed creates do not
// leak billable resources.
func (p *Provisioner) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	credential, err := newCredential()
	if err != nil {
		return nil, err
	}

	spec := DefaultSpec()
	spec.Name = "harbor-" + uuid.New().String()[:8]
	spec.Image = p.image
	for k, v := range opts.Secrets {
		spec.Env[k] = v
	}

	sb, err := p.platform.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	handle := &Handle{
		SandboxID:  sb.ID,
		URL:        sb.URL,
		Credential: credential,
		WorkDir:    workDirFor(opts.RepoURL),
	}

	warning, err := p.setup(ctx, sb.ID, handle.WorkDir, credential, opts)
	if err != nil {
		p.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, err
	}
	handle.CloneWarning = warning

	if err := p.startAgentServer(ctx, sb.ID, handle.WorkDir); err != nil {
		p.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, err
	}

	p.waitReachable(ctx, handle)
	return handle, nil
}

// Fork takes an ephemeral snapshot of the source sandbox, creates a new
// sandbox from it (inheriting files, dependencies and agent history) and
// starts the agent server against the same work directory. The snapshot ID
// is returned; deleting it is the caller's responsibility regardless of how
// the fork flow ends.
func (p *Provisioner) Fork(ctx context.Context, sourceSandboxID, workDir string, secrets map[string]string) (*ForkResult, error) {
	snapshotID, err := p.platform.CreateSnapshot(ctx, sourceSandboxID, "fork-"+uuid.New().String()[:8])
	if err != nil {
		return nil, fmt.Errorf("snapshot source sandbox: %w", err)
	}

	handle, err := p.fromSnapshot(ctx, snapshotID, workDir, secrets)
	if err != nil {
		// The caller still owns snapshot deletion; report the ID so it can.
		return &ForkResult{SnapshotID: snapshotID}, err
	}

	return &ForkResult{Handle: *handle, SnapshotID: snapshotID}, nil
}

// CreateFromSnapshot creates a sandbox from a durable, user-named snapshot.
// The snapshot is left in place.
func (p *Provisioner) CreateFromSnapshot(ctx context.Context, snapshotID, workDir string, secrets map[string]string) (*Handle, error) {
	return p.fromSnapshot(ctx, snapshotID, workDir, secrets)
}

func (p *Provisioner) fromSnapshot(ctx context.Context, snapshotID, workDir string, secrets map[string]string) (*Handle, error) {
	credential, err := newCredential()
	if err != nil {
		return nil, err
	}
	if workDir == "" {
		workDir = defaultWorkDir
	}

	spec := DefaultSpec()
	spec.Name = "harbor-" + uuid.New().String()[:8]
	spec.Image = ""
	spec.SnapshotID = snapshotID
	for k, v := range secrets {
		spec.Env[k] = v
	}

	sb, err := p.platform.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create sandbox from snapshot: %w", err)
	}

	handle := &Handle{
		SandboxID:  sb.ID,
		URL:        sb.URL,
		Credential: credential,
		WorkDir:    workDir,
	}

	// The snapshot already carries skills and repo contents; only the agent
	// config needs rewriting because the credential is new.
	script := strings.Join([]string{
		writeFileCmd(agentConfigPath, agentConfigJSON(credential, workDir)),
	}, " && ")
	if _, err := p.platform.Execute(ctx, sb.ID, ExecRequest{Command: script, Timeout: setupTimeout}); err != nil {
		p.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, fmt.Errorf("write agent config: %w", err)
	}

	if err := p.startAgentServer(ctx, sb.ID, workDir); err != nil {
		p.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, err
	}

	p.waitReachable(ctx, handle)
	return handle, nil
}

// Destroy tears a sandbox down. Best-effort: failures are logged, never
// returned, because destruction must not block caller flows like session
// deletion.
func (p *Provisioner) Destroy(ctx context.Context, sandboxID string) {
	if err := p.platform.Destroy(ctx, sandboxID); err != nil {
		log.Printf("[provisioner] destroy sandbox %s failed: %v", sandboxID, err)
	}
}

// Snapshot captures a durable, user-named snapshot of a sandbox.
func (p *Provisioner) Snapshot(ctx context.Context, sandboxID, label string) (string, error) {
	return p.platform.CreateSnapshot(ctx, sandboxID, label)
}

// RemoveSnapshot deletes a snapshot on behalf of a user request, reporting
// failures (unlike the best-effort internal cleanup in DeleteSnapshot).
func (p *Provisioner) RemoveSnapshot(ctx context.Context, snapshotID string) error {
	return p.platform.DeleteSnapshot(ctx, snapshotID)
}

// DeleteSnapshot deletes a snapshot. Best-effort, same policy as Destroy.
func (p *Provisioner) DeleteSnapshot(ctx context.Context, snapshotID string) {
	if err := p.platform.DeleteSnapshot(ctx, snapshotID); err != nil {
		log.Printf("[provisioner] delete snapshot %s failed: %v", snapshotID, err)
	}
}

// CheckHealth issues a single lightweight liveness probe against the agent
// server in the sandbox.
func (p *Provisioner) CheckHealth(ctx context.Context, url, credential string) bool {
	client := agent.NewClientWithHTTP(url, credential, p.agentHTTP)
	return client.Health(ctx) == nil
}

// setup runs the full setup phase as one combined script. The platform's
// execute primitive can silently drop commands when called in rapid
// succession, so every setup step is batched into a single remote execution
// instead of one call per step.
func (p *Provisioner) setup(ctx context.Context, sandboxID, workDir, credential string, opts CreateOptions) (string, error) {
	var cmds []string

	cmds = append(cmds, writeFileCmd(agentConfigPath, agentConfigJSON(credential, workDir)))
	cmds = append(cmds, sourceAuthCmds(opts.Sources)...)

	if opts.RepoURL != "" {
		clone := "git clone"
		if opts.Branch != "" {
			clone += " --branch " + shellquote.Join(opts.Branch)
		}
		clone += " " + shellquote.Join(opts.RepoURL) + " " + shellquote.Join(workDir)
		// Clone failure is non-fatal: surface a marker and make sure the
		// work directory exists anyway so the agent server can start.
		cmds = append(cmds, "{ "+clone+" || { mkdir -p "+shellquote.Join(workDir)+"; echo "+cloneFailedMarker+"; }; }")
	} else {
		cmds = append(cmds, "mkdir -p "+shellquote.Join(workDir))
	}

	cmds = append(cmds, skillInstallCmds(opts.Skills)...)
	for path, content := range instructionFiles {
		cmds = append(cmds, writeFileCmd(path, content))
	}

	script := strings.Join(cmds, " && ")
	exec, err := p.platform.Execute(ctx, sandboxID, ExecRequest{Command: script, Timeout: setupTimeout})
	if err != nil {
		return "", fmt.Errorf("run setup script: %w", err)
	}

	if strings.Contains(exec.Stdout, cloneFailedMarker) {
		warning := "repository clone failed; starting with an empty work directory"
		log.Printf("[provisioner] sandbox %s: %s", sandboxID, warning)
		return warning, nil
	}
	return "", nil
}

// startAgentServer fires the agent server start command as a detached
// background process. The platform's acknowledgment says nothing about
// whether the server is actually up; waitReachable verifies that separately.
func (p *Provisioner) startAgentServer(ctx context.Context, sandboxID, workDir string) error {
	cmd := "cd " + shellquote.Join(workDir) +
		" && nohup harbor-agent serve --config " + agentConfigPath +
		" > " + agentLogPath + " 2>&1 &"

	if _, err := p.platform.Execute(ctx, sandboxID, ExecRequest{Command: cmd, Timeout: startTimeout}); err != nil {
		return fmt.Errorf("start agent server: %w", err)
	}
	return nil
}

// waitReachable polls the sandbox's external URL until both the liveness
// endpoint and the session-listing endpoint answer, or the attempt budget
// runs out. Running out is logged but not fatal: the handle is still usable
// and the caller can retry session establishment later.
func (p *Provisioner) waitReachable(ctx context.Context, handle *Handle) {
	client := agent.NewClientWithHTTP(handle.URL, handle.Credential, p.agentHTTP)

	for i := 0; i < p.pollAttempts; i++ {
		if ctx.Err() != nil {
			return
		}
		if client.Health(ctx) == nil {
			if _, err := client.ListSessions(ctx); err == nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}

	log.Printf("[provisioner] sandbox %s: %v after %d attempts", handle.SandboxID, ErrNotReady, p.pollAttempts)
}

// workDirFor derives the work directory from the repository URL.
func workDirFor(repoURL string) string {
	if repoURL == "" {
		return defaultWorkDir
	}
	name := repoURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		return defaultWorkDir
	}
	return defaultWorkDir + "/" + name
}

// agentConfigJSON renders the agent server configuration file.
func agentConfigJSON(credential, workDir string) string {
	cfg := map[string]string{
		"credential": credential,
		"workdir":    workDir,
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// newCredential generates the random per-sandbox credential used for HTTP
// basic auth to the agent server.
func newCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
