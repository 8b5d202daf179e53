package updater

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flatlinehq/flatline/internal/flconfig"
	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/watcher"
)

func TestParseVersionTagStripsVPrefix(t *testing.T) {
	v, err := ParseVersionTag("v0.4.0")
	if err != nil {
		t.Fatalf("ParseVersionTag: %v", err)
	}
	if v.Major != 0 || v.Minor != 4 || v.Patch != 0 {
		t.Errorf("got %d.%d.%d, want 0.4.0", v.Major, v.Minor, v.Patch)
	}
}

func TestParseVersionTagHandlesBareSemver(t *testing.T) {
	v, err := ParseVersionTag("1.2.3")
	if err != nil {
		t.Fatalf("ParseVersionTag: %v", err)
	}
	if v.Major != 1 || v.Minor != 2 || v.Patch != 3 {
		t.Errorf("got %d.%d.%d, want 1.2.3", v.Major, v.Minor, v.Patch)
	}
}

func TestParseVersionTagRejectsInvalid(t *testing.T) {
	for _, tag := range []string{"abc", "", "v"} {
		if _, err := ParseVersionTag(tag); err == nil {
			t.Errorf("ParseVersionTag(%q) should fail", tag)
		}
	}
}

func TestFindChecksumExtractsMatchingDigest(t *testing.T) {
	content := "abc123def456789  flatline-0.4.0-x86_64-unknown-linux-gnu.tar.gz\n" +
		"fedcba987654321  flatline-agent-0.4.0-x86_64-unknown-linux-gnu.tar.gz\n" +
		"111222333444555  checksums-sha256.txt\n"

	digest, err := FindChecksum([]byte(content), "flatline-0.4.0-x86_64-unknown-linux-gnu.tar.gz")
	if err != nil {
		t.Fatalf("FindChecksum: %v", err)
	}
	if digest != "abc123def456789" {
		t.Errorf("digest = %q, want abc123def456789", digest)
	}
}

func TestFindChecksumFindsSecondEntry(t *testing.T) {
	content := "abc123  file-a.tar.gz\ndef456  file-b.tar.gz\n"
	digest, err := FindChecksum([]byte(content), "file-b.tar.gz")
	if err != nil {
		t.Fatalf("FindChecksum: %v", err)
	}
	if digest != "def456" {
		t.Errorf("digest = %q, want def456", digest)
	}
}

func TestFindChecksumReturnsErrorOnMissingFile(t *testing.T) {
	content := "abc123  some-other-file.tar.gz\n"
	_, err := FindChecksum([]byte(content), "nonexistent.tar.gz")
	if err == nil {
		t.Fatal("expected error for missing checksum entry")
	}
	if !strings.Contains(err.Error(), "nonexistent.tar.gz") {
		t.Errorf("error %q should mention the missing asset name", err.Error())
	}
}

func TestFindChecksumHandlesEmptyContent(t *testing.T) {
	if _, err := FindChecksum([]byte(""), "file.tar.gz"); err == nil {
		t.Fatal("expected error for empty checksums file")
	}
}

func TestSHA256BytesComputesCorrectDigest(t *testing.T) {
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256Bytes([]byte("")); got != want {
		t.Errorf("SHA256Bytes(\"\") = %s, want %s", got, want)
	}
}

func TestSHA256BytesKnownValue(t *testing.T) {
	got := SHA256Bytes([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("SHA256Bytes(\"hello\") = %s, want %s", got, want)
	}
}

func TestSHA256FileComputesCorrectDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("SHA256File = %s, want %s", got, want)
	}
}

func TestSHA256FileErrorsOnMissing(t *testing.T) {
	if _, err := SHA256File("/nonexistent/file"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateAssetNameAcceptsCleanNames(t *testing.T) {
	names := []string{
		"flatline-0.4.0-x86_64-unknown-linux-gnu.tar.gz",
		"flatline-agent-0.4.0-aarch64-apple-darwin.tar.gz",
		"checksums-sha256.txt",
		"migrate-0.4-to-0.5.sh",
	}
	for _, name := range names {
		if err := ValidateAssetName(name); err != nil {
			t.Errorf("ValidateAssetName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateAssetNameRejectsPathTraversal(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "foo/../bar", ".."} {
		if err := ValidateAssetName(name); err == nil {
			t.Errorf("ValidateAssetName(%q) should reject", name)
		}
	}
}

func TestValidateAssetNameRejectsPathSeparators(t *testing.T) {
	for _, name := range []string{"/etc/passwd", "foo/bar", `foo\bar`} {
		if err := ValidateAssetName(name); err == nil {
			t.Errorf("ValidateAssetName(%q) should reject", name)
		}
	}
}

func TestValidateAssetNameRejectsControlChars(t *testing.T) {
	for _, name := range []string{"file\x00name", "file\nname"} {
		if err := ValidateAssetName(name); err == nil {
			t.Errorf("ValidateAssetName(%q) should reject", name)
		}
	}
}

func TestValidateAssetNameRejectsTooLong(t *testing.T) {
	long := strings.Repeat("a", 257)
	if err := ValidateAssetName(long); err == nil {
		t.Fatal("expected rejection of 257-char asset name")
	}
}

func TestIsCheckTimeRejectsInvalidFormat(t *testing.T) {
	now := time.Date(2026, 2, 19, 3, 0, 0, 0, time.UTC)
	for _, window := range []string{"invalid", "", "25:00"} {
		if IsCheckTime(window, 300, now) {
			t.Errorf("IsCheckTime(%q) should be false", window)
		}
	}
}

func makeHealth(activeSessions int64) watcher.HealthReport {
	return watcher.HealthReport{
		Status:           "running",
		UptimeSecs:       1000,
		LastHeartbeat:    time.Now().UTC().Format(time.RFC3339),
		Executor:         "docker",
		ContainerHealthy: true,
		ActiveSessions:   activeSessions,
		BudgetToday:      watcher.Budget{Used: 1000, Limit: 5_000_000},
	}
}

func TestIsIdleTrueWhenNoSessions(t *testing.T) {
	u := New(flconfig.Default().Update, flpaths.Resolve("/tmp/flatline"), nil)
	if !u.IsIdle(makeHealth(0)) {
		t.Error("expected idle with zero active sessions")
	}
}

func TestIsIdleFalseWhenActiveSessions(t *testing.T) {
	u := New(flconfig.Default().Update, flpaths.Resolve("/tmp/flatline"), nil)
	if u.IsIdle(makeHealth(2)) {
		t.Error("expected not idle with active sessions")
	}
}
