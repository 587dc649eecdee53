package domain

// NodeCapability is a snapshot of a worker node's declared resources and
// trust, as reported by the capability registry. The registry is the
// source of truth; the scheduler only holds a refreshable cache.
type NodeCapability struct {
	NodeID    string `json:"node_id"`
	CPUCores  int    `json:"cpu_cores"`
	MemoryMB  int    `json:"memory_mb"`
	StorageGB int    `json:"storage_gb"`

	SupportedTypes    []TaskType `json:"supported_types"`
	SupportedServices []string   `json:"supported_services"`

	// Load is the node's current utilization in [0, 1].
	Load float64 `json:"load"`
	// Reputation is the registry's trust score in [0, 100].
	Reputation float64 `json:"reputation"`
}

// CanExecute reports whether the node's declared capabilities satisfy the
// task's type and resource requirements.
func (n NodeCapability) CanExecute(t *Task) bool {
	if n.Load >= 1.0 {
		return false
	}
	if n.CPUCores < t.Resources.CPUCores || n.MemoryMB < t.Resources.MemoryMB {
		return false
	}
	for _, tt := range n.SupportedTypes {
		if tt == t.Type {
			return true
		}
	}
	return false
}

// SupportsService reports whether the node has run this service before,
// used for the scheduler's affinity bonus.
func (n NodeCapability) SupportsService(service string) bool {
	for _, s := range n.SupportedServices {
		if s == service {
			return true
		}
	}
	return false
}
