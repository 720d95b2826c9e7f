package policy

// PredefinedCommand is one entry in the curated catalogue the UI offers
// operators. Every entry passes the default validator.
type PredefinedCommand struct {
	Command     string `json:"command"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// PredefinedCommands returns the curated catalogue of safe diagnostics.
func PredefinedCommands() []PredefinedCommand {
	return []PredefinedCommand{
		// system information
		{Command: "ps aux", Name: "List processes", Category: "System", Description: "Show details for every running process"},
		{Command: "whoami", Name: "Current user", Category: "System", Description: "Show the user the agent runs as"},
		{Command: "id", Name: "User identity", Category: "System", Description: "Show UID, GID and group membership"},
		{Command: "hostname", Name: "Hostname", Category: "System", Description: "Show the system hostname"},
		{Command: "uname -a", Name: "Kernel info", Category: "System", Description: "Show kernel and platform details"},
		{Command: "date", Name: "System time", Category: "System", Description: "Show the current date and time"},
		{Command: "uptime", Name: "Uptime and load", Category: "System", Description: "Show uptime and load averages"},

		// resource monitoring
		{Command: "free -h", Name: "Memory usage", Category: "Resources", Description: "Show memory usage in human-readable units"},
		{Command: "df -h", Name: "Disk space", Category: "Resources", Description: "Show filesystem usage in human-readable units"},
		{Command: "top -n 1", Name: "Process snapshot", Category: "Resources", Description: "One-shot CPU and memory usage by process"},
		{Command: "iostat", Name: "IO statistics", Category: "Resources", Description: "Show disk IO statistics"},
		{Command: "vmstat", Name: "Virtual memory", Category: "Resources", Description: "Show virtual memory statistics"},

		// network state; netstat is offered bare because the block list's
		// scheduler pattern "at " matches "netstat " once arguments follow
		{Command: "netstat", Name: "Network connections", Category: "Network", Description: "Show sockets and listening ports"},
		{Command: "ss -tlnp", Name: "Socket summary", Category: "Network", Description: "Show TCP listening sockets"},
		{Command: "ip addr show", Name: "Interfaces", Category: "Network", Description: "Show network interface configuration"},
		{Command: "ping -c 4 8.8.8.8", Name: "Connectivity check", Category: "Network", Description: "Probe outbound connectivity"},

		// filesystem
		{Command: "ls -la", Name: "Directory listing", Category: "Filesystem", Description: "Detailed listing of the working directory"},
		{Command: "pwd", Name: "Working directory", Category: "Filesystem", Description: "Show the current working directory"},
		{Command: "find /var/log -name '*.log' -type f", Name: "Find log files", Category: "Filesystem", Description: "Locate log files under /var/log"},

		// service state
		{Command: "systemctl status", Name: "Service status", Category: "Services", Description: "Overall state of system services"},
		{Command: "journalctl -n 20", Name: "Recent journal", Category: "Services", Description: "Show the last 20 journal entries"},

		// environment
		{Command: "env", Name: "Environment", Category: "Environment", Description: "Show environment variables"},
		{Command: "which bash", Name: "Locate command", Category: "Environment", Description: "Show the full path of bash"},

		// vetted scripts
		{Command: "/tmp/ops-scripts/health-check.sh", Name: "Health check", Category: "Scripts", Description: "Run the host health check script"},
		{Command: "/tmp/ops-scripts/disk-usage.py", Name: "Disk usage report", Category: "Scripts", Description: "Analyze disk usage"},
	}
}
