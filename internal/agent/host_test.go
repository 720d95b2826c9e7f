package agent

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/protocol"
)

func newTestHost(t *testing.T) *LocalHost {
	t.Helper()
	return NewLocalHost(t.TempDir(), filepath.Join(t.TempDir(), "commands.log"), logging.Discard())
}

func writeApp(t *testing.T, appsDir, name, versionContent string) {
	t.Helper()
	dir := filepath.Join(appsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if versionContent != "" {
		if err := os.WriteFile(filepath.Join(dir, "version.txt"), []byte(versionContent), 0o644); err != nil {
			t.Fatalf("write version.txt: %v", err)
		}
	}
}

func writePID(t *testing.T, appsDir, name, pid string) {
	t.Helper()
	path := filepath.Join(appsDir, name, name+".pid")
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseVersionFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    protocol.AppInfo
	}{
		{
			name:    "json with all fields",
			content: `{"version":"1.4.2","deploy_time":"2024-05-01T10:00:00Z","branch":"main","commit":"abc1234"}`,
			want: protocol.AppInfo{
				Name: "web", Version: "1.4.2", DeployTime: "2024-05-01T10:00:00Z",
				Branch: "main", Commit: "abc1234",
			},
		},
		{
			name:    "json with missing fields defaults to unknown",
			content: `{"branch":"main"}`,
			want:    protocol.AppInfo{Name: "web", Version: "unknown", DeployTime: "unknown", Branch: "main"},
		},
		{
			name:    "key value lines",
			content: "version: 2.0\ndeploy_time: 2024-06-01 12:00\nbranch: release\ncommit: deadbeef",
			want: protocol.AppInfo{
				Name: "web", Version: "2.0", DeployTime: "2024-06-01 12:00",
				Branch: "release", Commit: "deadbeef",
			},
		},
		{
			name:    "key value ignores unrecognised keys",
			content: "note: deployed by hand\nversion: 3.1",
			want:    protocol.AppInfo{Name: "web", Version: "3.1", DeployTime: "unknown"},
		},
		{
			name:    "unstructured content keeps defaults",
			content: "not a version file",
			want:    protocol.AppInfo{Name: "web", Version: "unknown", DeployTime: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseVersionFile("web", tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseVersionFile() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAppsReportsServiceStatus(t *testing.T) {
	h := newTestHost(t)

	ownPID := strconv.Itoa(os.Getpid())
	writeApp(t, h.appsDir, "web", `{"version":"1.0","deploy_time":"t"}`)
	writePID(t, h.appsDir, "web", ownPID+"\n")
	writeApp(t, h.appsDir, "db", `{"version":"2.0","deploy_time":"t"}`)
	writeApp(t, h.appsDir, "cache", `{"version":"3.0","deploy_time":"t"}`)
	writePID(t, h.appsDir, "cache", "not-a-number")
	writeApp(t, h.appsDir, "worker", `{"version":"4.0","deploy_time":"t"}`)
	writePID(t, h.appsDir, "worker", "4294967294") // parseable, no such process
	writeApp(t, h.appsDir, "bare", "")             // no version.txt
	if err := os.WriteFile(filepath.Join(h.appsDir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	apps := h.Apps()
	byName := make(map[string]protocol.AppInfo, len(apps))
	for _, a := range apps {
		byName[a.Name] = a
	}
	if len(byName) != 4 {
		t.Fatalf("got %d apps (%v), want 4", len(byName), apps)
	}
	if _, ok := byName["bare"]; ok {
		t.Error("app without version.txt was inventoried")
	}

	if got := byName["web"].ServiceStatus; got.State != protocol.ServiceRunning || got.PID != ownPID {
		t.Errorf("web status = %+v, want Running pid %s", got, ownPID)
	}
	if got := byName["db"].ServiceStatus.State; got != protocol.ServiceStopped {
		t.Errorf("db status = %s, want Stopped", got)
	}
	if got := byName["cache"].ServiceStatus.State; got != protocol.ServiceUnknown {
		t.Errorf("cache status = %s, want Unknown", got)
	}
	if got := byName["worker"].ServiceStatus.State; got != protocol.ServiceStopped {
		t.Errorf("worker status = %s, want Stopped", got)
	}
}

func TestVersionsSkipsNonRecords(t *testing.T) {
	h := newTestHost(t)

	writeApp(t, h.appsDir, "web", `{"app":"web","created_time":"2024-05-01T10:00:00Z"}`)
	writeApp(t, h.appsDir, "legacy", "version: 1.0")       // not JSON
	writeApp(t, h.appsDir, "partial", `{"version":"1.0"}`) // no app field
	writeApp(t, h.appsDir, "bare", "")                     // no version.txt

	got := h.Versions()
	want := []protocol.VersionInfo{{App: "web", CreatedTime: "2024-05-01T10:00:00Z"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Versions() = %+v, want %+v", got, want)
	}
}

func TestVersionsWithMissingDirReturnsNil(t *testing.T) {
	h := NewLocalHost("/does/not/exist", "/dev/null", logging.Discard())
	if got := h.Versions(); got != nil {
		t.Errorf("Versions() = %v, want nil", got)
	}
	if got := h.Apps(); got != nil {
		t.Errorf("Apps() = %v, want nil", got)
	}
}

func TestExecuteCapturesOutcome(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		res := h.Execute(ctx, "echo hello")
		if res.Output != "hello\n" {
			t.Errorf("output = %q, want hello", res.Output)
		}
		if res.ExitCode != 0 {
			t.Errorf("exit_code = %d, want 0", res.ExitCode)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res := h.Execute(ctx, "exit 3")
		if res.ExitCode != 3 {
			t.Errorf("exit_code = %d, want 3", res.ExitCode)
		}
	})

	t.Run("stderr", func(t *testing.T) {
		res := h.Execute(ctx, "echo oops >&2; exit 1")
		if res.ErrorOutput != "oops\n" {
			t.Errorf("error_output = %q, want oops", res.ErrorOutput)
		}
		if res.ExitCode != 1 {
			t.Errorf("exit_code = %d, want 1", res.ExitCode)
		}
	})
}

func TestLogCommandAppendsTimestampedLines(t *testing.T) {
	h := newTestHost(t)
	h.LogCommand("df -h")
	h.LogCommand("uptime")

	data, err := os.ReadFile(h.commandLogFile)
	if err != nil {
		t.Fatalf("read command log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), string(data))
	}

	format := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] `)
	for i, want := range []string{"df -h", "uptime"} {
		if !format.MatchString(lines[i]) {
			t.Errorf("line %d = %q, want timestamp prefix", i, lines[i])
		}
		if !strings.HasSuffix(lines[i], " "+want) {
			t.Errorf("line %d = %q, want command %q", i, lines[i], want)
		}
	}
}

func TestAnnounceWritesMotd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	h := newTestHost(t)

	h.Announce("maintenance at 22:00")

	data, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), ".ops_motd"))
	if err != nil {
		t.Fatalf("read motd: %v", err)
	}
	if !strings.Contains(string(data), "maintenance at 22:00") {
		t.Errorf("motd = %q, want broadcast text", string(data))
	}
	if !strings.Contains(string(data), "opshub broadcast") {
		t.Errorf("motd = %q, want banner", string(data))
	}
}
