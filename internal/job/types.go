package job

// Request represents a request to create a new job
type Request struct {
	ID             string            `json:"id"`
	Meta           map[string]string `json:"meta"`
	Image          string            `json:"image"`
	Command        string            `json:"command"`
	CPU            float64           `json:"cpu"`
	Memory         int               `json:"memory"`
	Environment    map[string]string `json:"environment"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Workspace      string            `json:"workspace,omitempty"` // Working directory and mount path (default: /workspace)
	Callback       *Callback         `json:"callback,omitempty"`
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Response represents the response when a job is created
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "accepted"
}

// Status represents the current status of a job
type Status struct {
	ID       string `json:"id"`
	State    string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// State constants
const (
	StateAccepted  = "accepted"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)
