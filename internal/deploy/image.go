package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
)

// ImageError reports an external image-tool failure. Digest carries the tail
// of the tool's stderr so operators see the actual cause without the full
// build log.
type ImageError struct {
	Op     string // "login", "build", "push", or "remote"
	Ref    string
	Digest string
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %s failed for %s: %s", e.Op, e.Ref, e.Digest)
}

// ImageSpec describes one image to produce.
type ImageSpec struct {
	// Ref is the full image reference (registry/repo:tag).
	Ref string
	// ContextDir is the build context directory holding the bundle output
	// and Dockerfile.
	ContextDir string
	// Platform selects the target platform, e.g. linux/amd64. Empty uses
	// the builder default.
	Platform string
	// Push publishes the image to its registry after building.
	Push bool
	// Load keeps the image in the local daemon instead of pushing (dev).
	Load bool
}

// ImageBuilder builds and publishes one task image.
type ImageBuilder interface {
	BuildImage(ctx context.Context, spec ImageSpec) error
}

// Compile-time interface satisfaction checks.
var (
	_ ImageBuilder = (*DockerBuilder)(nil)
	_ ImageBuilder = (*RemoteBuilder)(nil)
)

// DockerBuilder is the self-hosted path: a local docker CLI plus optional
// registry credentials.
type DockerBuilder struct {
	// Registry, Username, and Password configure a docker login before the
	// push. All empty skips login (already-authenticated daemon).
	Registry string
	Username string
	Password string
}

// BuildImage runs docker build and, when requested, docker push.
func (b *DockerBuilder) BuildImage(ctx context.Context, spec ImageSpec) error {
	args := []string{"build", "-t", spec.Ref}
	if spec.Platform != "" {
		args = append(args, "--platform", spec.Platform)
	}
	if spec.Load {
		args = append(args, "--load")
	}
	args = append(args, spec.ContextDir)

	if err := b.run(ctx, "build", spec.Ref, args...); err != nil {
		return err
	}
	if !spec.Push {
		return nil
	}

	if b.Registry != "" && b.Username != "" {
		if err := b.run(ctx, "login", spec.Ref,
			"login", b.Registry, "--username", b.Username, "--password", b.Password,
		); err != nil {
			return err
		}
	}
	return b.run(ctx, "push", spec.Ref, "push", spec.Ref)
}

func (b *DockerBuilder) run(ctx context.Context, op, ref string, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ImageError{Op: op, Ref: ref, Digest: stderrDigest(stderr.String())}
	}
	return nil
}

// RemoteBuilder is the hosted path: a build service invoked over HTTP with
// short-lived credentials minted per deploy.
type RemoteBuilder struct {
	URL    string
	Client *http.Client
	// Credential returns a short-lived bearer token for one build.
	Credential func(ctx context.Context) (string, error)
}

type remoteBuildRequest struct {
	ImageRef   string `json:"imageRef"`
	ContextDir string `json:"contextDir"`
	Platform   string `json:"platform,omitempty"`
	Push       bool   `json:"push"`
}

// BuildImage submits the build to the remote service and waits for it to
// finish. A non-2xx response surfaces the response body as the digest.
func (b *RemoteBuilder) BuildImage(ctx context.Context, spec ImageSpec) error {
	token, err := b.Credential(ctx)
	if err != nil {
		return fmt.Errorf("mint build credential: %w", err)
	}

	body, err := json.Marshal(remoteBuildRequest{
		ImageRef:   spec.Ref,
		ContextDir: spec.ContextDir,
		Platform:   spec.Platform,
		Push:       spec.Push,
	})
	if err != nil {
		return fmt.Errorf("marshal build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL+"/v1/builds", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &ImageError{Op: "remote", Ref: spec.Ref, Digest: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg bytes.Buffer
		msg.ReadFrom(resp.Body)
		return &ImageError{Op: "remote", Ref: spec.Ref, Digest: stderrDigest(msg.String())}
	}
	return nil
}

// stderrDigest trims tool output to its last few lines, capped at 512 bytes.
func stderrDigest(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no output)"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	out := strings.Join(lines, "\n")
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	return out
}
