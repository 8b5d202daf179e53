// Package updater implements the supervisor's bounded self-update state
// machine: check a remote release manifest, download and verify assets,
// swap binaries and service files, probe health, then commit or roll back.
package updater

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"golang.org/x/sync/errgroup"

	"github.com/flatlinehq/flatline/internal/ferrors"
	"github.com/flatlinehq/flatline/internal/flconfig"
	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/validate"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// manifestURL is the remote endpoint advertising the latest release.
const manifestURL = "https://flatlinehq.dev/release/manifest.json"

// manifestFetchTimeout bounds the manifest and asset HTTP calls.
const manifestFetchTimeout = 30 * time.Second

// ParseVersionTag parses a release tag into a semantic version, tolerating
// a leading "v" (e.g. "v0.4.0"). Anything that is not valid semver is
// rejected.
func ParseVersionTag(tag string) (semver.Version, error) {
	if tag == "" {
		return semver.Version{}, fmt.Errorf("parse version tag: empty tag")
	}
	v, err := semver.ParseTolerant(tag)
	if err != nil {
		return semver.Version{}, fmt.Errorf("parse version tag %q: %w", tag, err)
	}
	return v, nil
}

// FindChecksum looks up the checksum digest for assetName in a checksums
// file's contents, where each line is "<digest>  <filename>". Returns an
// error naming assetName if no matching line is found.
func FindChecksum(checksumsFile []byte, assetName string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(checksumsFile)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		digest := fields[0]
		name := strings.Join(fields[1:], " ")
		if name == assetName {
			return digest, nil
		}
	}
	return "", fmt.Errorf("no checksum entry found for asset %q", assetName)
}

// SHA256Bytes returns the lowercase hex SHA-256 digest of b.
func SHA256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256File streams the file at path through SHA-256 without buffering it
// fully in memory.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateAssetName rejects anything that is not a clean, bounded
// filename: empty, too long, containing a path separator, "..", or a
// control character.
func ValidateAssetName(name string) error {
	return validate.AssetName(name)
}

// Updater drives the check -> download -> apply -> probe state machine.
type Updater struct {
	cfg     flconfig.UpdateConfig
	paths   flpaths.Paths
	store   *store.Store
	httpGet func(ctx context.Context, url string) ([]byte, error)
}

// New creates an Updater over the given config, paths, and store.
func New(cfg flconfig.UpdateConfig, paths flpaths.Paths, s *store.Store) *Updater {
	return &Updater{cfg: cfg, paths: paths, store: s}
}

// IsIdle reports whether the agent has zero active sessions, the
// precondition for an update to proceed.
func (u *Updater) IsIdle(health watcher.HealthReport) bool {
	return health.ActiveSessions == 0
}

// IsCheckTime reports whether the current time falls within toleranceSecs
// of the configured "HH:MM" check-time window. An unparsable window string
// never matches.
func IsCheckTime(window string, toleranceSecs int64, now time.Time) bool {
	parts := strings.Split(window, ":")
	if len(parts) != 2 {
		return false
	}
	var hour, minute int
	if _, err := fmt.Sscanf(parts[0], "%d", &hour); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minute); err != nil {
		return false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return false
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	delta := now.Sub(target)
	if delta < 0 {
		delta = -delta
	}
	return int64(delta.Seconds()) <= toleranceSecs
}

// Precondition reports why an update check should be skipped, or "" if the
// preconditions (not pinned, no in-flight attempt, agent idle, within the
// check window) are all satisfied.
func (u *Updater) Precondition(ctx context.Context, health watcher.HealthReport, now time.Time) (string, error) {
	if u.cfg.PinnedVersion != nil {
		return "pinned", nil
	}

	latest, err := u.store.LatestUpdate(ctx)
	if err != nil {
		return "", fmt.Errorf("check latest update: %w", err)
	}
	if latest != nil && latest.Status.InFlight() {
		return "already in flight", nil
	}

	if !u.IsIdle(health) {
		return "agent not idle", nil
	}

	if !IsCheckTime(u.cfg.CheckTimeWindow, int64(u.cfg.CheckIntervalSecs/2), now) {
		return "outside check window", nil
	}

	return "", nil
}

// ServiceManager stops, starts, and installs the agent's and supervisor's
// managed OS services. Implemented by internal/svcmgr.
type ServiceManager interface {
	Stop(name string) error
	Start(name string) error
	Install(dir string) error
}

// ManifestAsset is one downloadable artifact in a release manifest.
type ManifestAsset struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Manifest is the remote release manifest the updater polls.
type Manifest struct {
	Version      string          `json:"version"`
	Assets       []ManifestAsset `json:"assets"`
	ChecksumsURL string          `json:"checksums_url"`
}

// FetchManifest retrieves and parses the remote release manifest.
func FetchManifest(ctx context.Context) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch release manifest: unexpected status %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse release manifest: %w", err)
	}
	return &m, nil
}

// PlatformAssetName returns the expected archive name for the running
// platform triple and version, used to select the right manifest asset.
func PlatformAssetName(version string) string {
	ext := "tar.gz"
	if runtime.GOOS == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("flatline-%s-%s-%s.%s", version, runtime.GOARCH, runtime.GOOS, ext)
}

// downloadToFile streams url's body to a file under destDir named name.
func downloadToFile(ctx context.Context, url, destDir, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request for %s: %w", name, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %d", name, resp.StatusCode)
	}

	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}

// DownloadAndVerify downloads every asset named in m plus its checksums
// file into destDir, validating each asset's filename and verifying its
// digest against the checksums file. Downloads run concurrently.
func DownloadAndVerify(ctx context.Context, m *Manifest, destDir string) (map[string]string, error) {
	for _, asset := range m.Assets {
		if err := ValidateAssetName(asset.Name); err != nil {
			return nil, fmt.Errorf("%w: reject asset %q: %s", ferrors.ErrAssetValidationFailure, asset.Name, err)
		}
	}

	checksumsPath, err := downloadToFile(ctx, m.ChecksumsURL, destDir, "checksums-sha256.txt")
	if err != nil {
		return nil, fmt.Errorf("download checksums: %w", err)
	}
	checksums, err := os.ReadFile(checksumsPath)
	if err != nil {
		return nil, fmt.Errorf("read checksums file: %w", err)
	}

	paths := make(map[string]string, len(m.Assets))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, asset := range m.Assets {
		asset := asset
		g.Go(func() error {
			path, err := downloadToFile(gctx, asset.URL, destDir, asset.Name)
			if err != nil {
				return err
			}
			digest, err := SHA256File(path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", asset.Name, err)
			}
			expected, err := FindChecksum(checksums, asset.Name)
			if err != nil {
				return err
			}
			if digest != expected {
				return fmt.Errorf("%w: asset %s: got %s want %s", ferrors.ErrChecksumMismatch, asset.Name, digest, expected)
			}

			mu.Lock()
			paths[asset.Name] = path
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Apply runs the stop -> swap -> start -> probe sequence for a downloaded
// update. On probe failure it restores the previous binary from backupPath
// and restarts services, returning a rollback reason instead of an error.
func Apply(svc ServiceManager, newBinaryPath, currentBinaryPath string, w *watcher.Watcher, staleThresholdSecs int64, probeWindow time.Duration) (healthy bool, rollbackReason string, err error) {
	backupPath := currentBinaryPath + ".backup"

	if stopErr := svc.Stop("agent"); stopErr != nil {
		return false, "", fmt.Errorf("stop agent service: %w", stopErr)
	}
	if stopErr := svc.Stop("supervisor"); stopErr != nil {
		return false, "", fmt.Errorf("stop supervisor service: %w", stopErr)
	}

	if err := os.Rename(currentBinaryPath, backupPath); err != nil {
		return false, "", fmt.Errorf("back up current binary: %w", err)
	}
	if err := copyExecutable(newBinaryPath, currentBinaryPath); err != nil {
		_ = os.Rename(backupPath, currentBinaryPath)
		return false, "", fmt.Errorf("install new binary: %w", err)
	}

	if startErr := svc.Start("supervisor"); startErr != nil {
		rollback(svc, backupPath, currentBinaryPath)
		return false, "service failed to start: " + startErr.Error(), nil
	}
	if startErr := svc.Start("agent"); startErr != nil {
		rollback(svc, backupPath, currentBinaryPath)
		return false, "service failed to start: " + startErr.Error(), nil
	}

	if !ProbeHealth(w, staleThresholdSecs, probeWindow, time.Second) {
		rollback(svc, backupPath, currentBinaryPath)
		return false, "health probe did not report sustained healthy status", nil
	}

	_ = os.Remove(backupPath)
	return true, "", nil
}

func rollback(svc ServiceManager, backupPath, currentBinaryPath string) {
	_ = svc.Stop("agent")
	_ = svc.Stop("supervisor")
	_ = os.Rename(backupPath, currentBinaryPath)
	_ = svc.Start("supervisor")
	_ = svc.Start("agent")
}

func copyExecutable(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}

// StatusFor maps a successful/failed Apply outcome onto the persisted
// UpdateStatus.
func StatusFor(healthy bool) store.UpdateStatus {
	if healthy {
		return store.UpdateHealthy
	}
	return store.UpdateRolledBack
}

// ProbeHealth polls r repeatedly for up to window, requiring the agent to
// report a healthy, non-stale container for a sustained interval before
// declaring the update healthy.
func ProbeHealth(w *watcher.Watcher, staleThresholdSecs int64, window time.Duration, poll time.Duration) bool {
	deadline := time.Now().Add(window)
	sustained := 0
	const sustainedRequired = 3

	for time.Now().Before(deadline) {
		health, err := w.ReadHealth()
		if err == nil {
			stale, staleErr := w.IsHealthStale(staleThresholdSecs)
			if staleErr == nil && health.ContainerHealthy && !stale {
				sustained++
				if sustained >= sustainedRequired {
					return true
				}
			} else {
				sustained = 0
			}
		} else {
			sustained = 0
		}
		time.Sleep(poll)
	}
	return false
}
