package supervisor

import (
	"context"
	"time"

	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/updater"
)

// runUpdateTick runs one self-update check. Every step after the
// precondition check persists its outcome through the updates table so a
// crash mid-update leaves a resumable, inspectable record rather than
// silent state.
func (s *Supervisor) runUpdateTick(ctx context.Context) {
	health, err := s.watcher.ReadHealth()
	if err != nil {
		s.log.Warn("update tick: read health failed", "error", err)
		return
	}

	reason, err := s.updater.Precondition(ctx, health, time.Now())
	if err != nil {
		s.log.Warn("update precondition check failed", "error", err)
		return
	}
	if reason != "" {
		s.log.Debug("update check skipped", "reason", reason)
		return
	}

	manifest, err := updater.FetchManifest(ctx)
	if err != nil {
		s.log.Warn("fetch release manifest failed", "error", err)
		return
	}

	newVersion, err := updater.ParseVersionTag(manifest.Version)
	if err != nil {
		s.log.Warn("parse manifest version failed", "version", manifest.Version, "error", err)
		return
	}
	currentVersion, err := updater.ParseVersionTag(s.currentVersionTag)
	if err != nil {
		s.log.Warn("parse current version failed", "version", s.currentVersionTag, "error", err)
		return
	}
	if !newVersion.GT(currentVersion) {
		s.log.Debug("no newer version available", "current", currentVersion.String(), "latest", newVersion.String())
		return
	}

	updateID, err := s.store.InsertUpdate(ctx, store.UpdateRecord{
		CheckedAt:   time.Now().UTC(),
		FromVersion: currentVersion.String(),
		ToVersion:   newVersion.String(),
		Status:      store.UpdatePending,
	})
	if err != nil {
		s.log.Error("insert update record failed", "error", err)
		return
	}

	fail := func(reason string) {
		now := time.Now().UTC()
		if setErr := s.store.SetUpdateStatus(ctx, updateID, store.UpdateFailed, nil, &now, &reason, nil); setErr != nil {
			s.log.Error("mark update failed status failed", "update_id", updateID, "error", setErr)
		}
	}

	startedAt := time.Now().UTC()
	if err := s.store.SetUpdateStatus(ctx, updateID, store.UpdateDownloading, &startedAt, nil, nil, nil); err != nil {
		s.log.Error("mark update downloading failed", "update_id", updateID, "error", err)
	}

	assetPaths, err := updater.DownloadAndVerify(ctx, manifest, s.paths.PendingDir())
	if err != nil {
		s.log.Error("download and verify update failed", "update_id", updateID, "error", err)
		fail(err.Error())
		return
	}

	assetName := updater.PlatformAssetName(manifest.Version)
	newBinaryPath, ok := assetPaths[assetName]
	if !ok {
		s.log.Error("update manifest missing expected asset", "update_id", updateID, "asset", assetName)
		fail("manifest missing expected platform asset " + assetName)
		return
	}

	if err := s.store.SetUpdateStatus(ctx, updateID, store.UpdateApplying, nil, nil, nil, nil); err != nil {
		s.log.Error("mark update applying failed", "update_id", updateID, "error", err)
	}

	probeWindow := time.Duration(s.cfg.Update.HealthProbeSecs) * time.Second
	healthy, rollbackReason, err := updater.Apply(
		s.svc, newBinaryPath, s.currentBinaryPath, s.watcher,
		int64(s.cfg.Checks.HealthStaleThresholdSecs), probeWindow,
	)
	if err != nil {
		s.log.Error("apply update failed", "update_id", updateID, "error", err)
		fail(err.Error())
		return
	}

	completedAt := time.Now().UTC()
	var rr *string
	if rollbackReason != "" {
		rr = &rollbackReason
	}
	if err := s.store.SetUpdateStatus(ctx, updateID, updater.StatusFor(healthy), nil, &completedAt, rr, nil); err != nil {
		s.log.Error("mark update completion status failed", "update_id", updateID, "error", err)
	}

	if healthy {
		s.currentVersionTag = newVersion.String()
	}
	s.log.Info("update tick complete", "update_id", updateID, "healthy", healthy, "to_version", newVersion.String())
}
