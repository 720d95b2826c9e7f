package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/protocol"
)

// LocalHost is the production Host: it reads the real filesystem, samples
// host metrics through gopsutil, and shells out for command execution and
// broadcast delivery.
type LocalHost struct {
	appsDir        string
	commandLogFile string
	log            *logging.Logger
}

// NewLocalHost creates a LocalHost reading app state under appsDir and
// appending executed commands to commandLogFile.
func NewLocalHost(appsDir, commandLogFile string, log *logging.Logger) *LocalHost {
	return &LocalHost{appsDir: appsDir, commandLogFile: commandLogFile, log: log}
}

// SystemInfo samples host metrics. Every probe is independent; a failing
// one leaves its fields at their zero or "unknown" value rather than
// dropping the whole heartbeat.
func (h *LocalHost) SystemInfo() protocol.HostInfo {
	info := protocol.HostInfo{Hostname: "unknown", CPUModel: "unknown"}

	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
		info.FreeMemory = vm.Free
		info.UsedMemory = vm.Used
	}
	info.IPAddresses = ipAddresses()
	return info
}

// ipAddresses lists the addresses of interfaces that are up, skipping
// loopback.
func ipAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			out = append(out, addr.String())
		}
	}
	return out
}

// Versions scans <appsDir>/*/version.txt for JSON version records.
// A missing apps directory is normal on hosts with nothing deployed.
func (h *LocalHost) Versions() []protocol.VersionInfo {
	entries, err := os.ReadDir(h.appsDir)
	if err != nil {
		return nil
	}
	var out []protocol.VersionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.appsDir, entry.Name(), "version.txt"))
		if err != nil {
			continue
		}
		var info protocol.VersionInfo
		if err := json.Unmarshal(data, &info); err != nil || info.App == "" {
			h.log.Debug("version file is not a version record", "app", entry.Name(), "error", err)
			continue
		}
		out = append(out, info)
	}
	return out
}

// Apps builds the managed-app inventory: one entry per app directory that
// has a version.txt, with its service status derived from the pid file.
func (h *LocalHost) Apps() []protocol.AppInfo {
	entries, err := os.ReadDir(h.appsDir)
	if err != nil {
		return nil
	}
	var out []protocol.AppInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		content, err := os.ReadFile(filepath.Join(h.appsDir, name, "version.txt"))
		if err != nil {
			continue
		}
		app := parseVersionFile(name, string(content))
		app.ServiceStatus = h.serviceStatus(name)
		out = append(out, app)
	}
	return out
}

// parseVersionFile reads a version.txt body. JSON is tried first; older
// deployments write "key: value" lines. Unknown keys are ignored and
// missing values fall back to "unknown".
func parseVersionFile(name, content string) protocol.AppInfo {
	app := protocol.AppInfo{Name: name, Version: "unknown", DeployTime: "unknown"}

	var fields struct {
		Version    string `json:"version"`
		DeployTime string `json:"deploy_time"`
		Branch     string `json:"branch"`
		Commit     string `json:"commit"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &fields); err == nil {
		if fields.Version != "" {
			app.Version = fields.Version
		}
		if fields.DeployTime != "" {
			app.DeployTime = fields.DeployTime
		}
		app.Branch = fields.Branch
		app.Commit = fields.Commit
		return app
	}

	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "version":
			app.Version = value
		case "deploy_time":
			app.DeployTime = value
		case "branch":
			app.Branch = value
		case "commit":
			app.Commit = value
		}
	}
	return app
}

// serviceStatus reads <app>/<app>.pid and checks procfs for the process.
// No pid file or a dead pid is Stopped; a pid file that does not parse is
// Unknown because the app may be mid-deploy.
func (h *LocalHost) serviceStatus(name string) protocol.ServiceStatus {
	data, err := os.ReadFile(filepath.Join(h.appsDir, name, name+".pid"))
	if err != nil {
		return protocol.ServiceStatus{State: protocol.ServiceStopped}
	}
	pid := strings.TrimSpace(string(data))
	if pid == "" {
		return protocol.ServiceStatus{State: protocol.ServiceStopped}
	}
	if _, err := strconv.ParseUint(pid, 10, 32); err != nil {
		return protocol.ServiceStatus{State: protocol.ServiceUnknown}
	}
	if processRunning(pid) {
		return protocol.RunningStatus(pid)
	}
	return protocol.ServiceStatus{State: protocol.ServiceStopped}
}

// processRunning reports whether a pid exists, via /proc. Agents run on
// Linux hosts; without procfs the status degrades to Stopped.
func processRunning(pid string) bool {
	_, err := os.Stat(filepath.Join("/proc", pid))
	return err == nil
}

// Execute runs command under sh -c and captures both output streams. A
// process that could not be spawned reports exit code -1 with the spawn
// error as its error output, the same shape a failed command produces.
func (h *LocalHost) Execute(ctx context.Context, command string) ExecResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Output: stdout.String(), ErrorOutput: stderr.String()}
	switch {
	case err == nil:
	case cmd.ProcessState != nil:
		res.ExitCode = int32(cmd.ProcessState.ExitCode())
	default:
		res.ExitCode = -1
		res.ErrorOutput = err.Error()
	}
	return res
}

// LogCommand appends the command to the local audit log. Failures are
// logged and swallowed; auditing must never block execution.
func (h *LocalHost) LogCommand(command string) {
	f, err := os.OpenFile(h.commandLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		h.log.Error("open command log", "path", h.commandLogFile, "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), command)
	if _, err := f.WriteString(line); err != nil {
		h.log.Error("append command log", "path", h.commandLogFile, "error", err)
	}
}

// Announce pushes a broadcast at local users through every channel that
// might reach someone: logged-in terminals, the desktop session, a motd
// file, and syslog. Each is best effort; one success is enough.
func (h *LocalHost) Announce(text string) {
	delivered := 0
	for _, d := range []struct {
		name string
		fn   func(string) error
	}{
		{"wall", h.announceWall},
		{"notify-send", h.announceDesktop},
		{"motd", h.announceMotd},
		{"syslog", h.announceSyslog},
	} {
		if err := d.fn(text); err != nil {
			h.log.Debug("broadcast channel failed", "channel", d.name, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		h.log.Error("broadcast could not be delivered on any channel", "message", text)
		return
	}
	h.log.Info("broadcast delivered", "channels", delivered)
}

func (h *LocalHost) announceWall(text string) error {
	return runQuiet("wall", "[opshub] "+text)
}

func (h *LocalHost) announceDesktop(text string) error {
	return runQuiet("notify-send", "opshub broadcast", text,
		"--urgency=critical", "--expire-time=10000")
}

// announceMotd appends a banner to ~/.ops_motd so the message survives
// until the next login.
func (h *LocalHost) announceMotd(text string) error {
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}
	path := filepath.Join(home, ".ops_motd")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	banner := fmt.Sprintf("\n=== opshub broadcast [%s] ===\n%s\n===============================\n",
		time.Now().Format("2006-01-02 15:04:05"), text)
	_, err = f.WriteString(banner)
	return err
}

func (h *LocalHost) announceSyslog(text string) error {
	return runQuiet("logger", "-t", "opshub-agent", "-p", "user.notice", "opshub broadcast: "+text)
}

// runQuiet runs a delivery helper, discarding output. A missing binary or
// a non-zero exit both surface as errors for the caller to count.
func runQuiet(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
