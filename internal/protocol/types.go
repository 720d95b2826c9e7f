package protocol

import (
	"encoding/json"
	"fmt"
)

// HostInfo is a point-in-time snapshot of host metrics collected by an agent.
type HostInfo struct {
	Hostname    string   `json:"hostname"`
	CPUModel    string   `json:"cpu_model"`
	CPUUsage    float64  `json:"cpu_usage"`     // percent, 0-100
	TotalMemory uint64   `json:"total_memory"`  // bytes
	FreeMemory  uint64   `json:"free_memory"`   // bytes
	UsedMemory  uint64   `json:"used_memory"`   // bytes
	IPAddresses []string `json:"ip_addresses"`
}

// VersionInfo describes one deployed artifact version.
type VersionInfo struct {
	App         string `json:"app"`
	CreatedTime string `json:"created_time"` // RFC 3339
}

// AppInfo describes one managed application on the host.
type AppInfo struct {
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	DeployTime    string        `json:"deploy_time"` // opaque, as recorded at deploy
	Branch        string        `json:"branch,omitempty"`
	Commit        string        `json:"commit,omitempty"`
	ServiceStatus ServiceStatus `json:"service_status"`
}

// ClientInfo is the unit of fleet state: everything the server knows about
// one agent. LastSeen is overwritten with the server clock on ingest.
type ClientInfo struct {
	ClientID    string        `json:"client_id"`
	SystemInfo  HostInfo      `json:"system_info"`
	VersionInfo []VersionInfo `json:"version_info"`
	AppInfo     []AppInfo     `json:"app_info"`
	LastSeen    WireTime      `json:"last_seen"`
}

// CommandResponse carries an executed command's outcome back to the server.
type CommandResponse struct {
	CommandID   string   `json:"command_id"`
	ClientID    string   `json:"client_id"`
	Command     string   `json:"command"`
	Output      string   `json:"output"`
	ErrorOutput string   `json:"error_output"`
	ExitCode    int32    `json:"exit_code"` // -1 when the process could not be spawned
	ExecutedAt  WireTime `json:"executed_at"`
}

// Service states reported in AppInfo.
type ServiceState string

const (
	ServiceRunning ServiceState = "Running"
	ServiceStopped ServiceState = "Stopped"
	ServiceUnknown ServiceState = "Unknown"
)

// ServiceStatus is a tagged variant: Running carries the PID as a string,
// Stopped and Unknown carry nothing. On the wire Running is the object
// {"Running":"<pid>"} and the other two are bare strings, matching what
// agents already emit.
type ServiceStatus struct {
	State ServiceState
	PID   string // set only when State == ServiceRunning
}

// RunningStatus builds a Running status for pid.
func RunningStatus(pid string) ServiceStatus {
	return ServiceStatus{State: ServiceRunning, PID: pid}
}

func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	switch s.State {
	case ServiceRunning:
		return json.Marshal(map[string]string{string(ServiceRunning): s.PID})
	case ServiceStopped, ServiceUnknown:
		return json.Marshal(string(s.State))
	case "":
		return json.Marshal(string(ServiceUnknown))
	default:
		return nil, fmt.Errorf("marshal service status: unknown state %q", s.State)
	}
}

func (s *ServiceStatus) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		switch ServiceState(plain) {
		case ServiceStopped, ServiceUnknown:
			s.State, s.PID = ServiceState(plain), ""
			return nil
		default:
			return fmt.Errorf("unmarshal service status: unknown state %q", plain)
		}
	}
	var variant map[string]string
	if err := json.Unmarshal(data, &variant); err != nil {
		return fmt.Errorf("unmarshal service status: %w", err)
	}
	pid, ok := variant[string(ServiceRunning)]
	if !ok || len(variant) != 1 {
		return fmt.Errorf("unmarshal service status: unexpected variant shape")
	}
	s.State, s.PID = ServiceRunning, pid
	return nil
}
