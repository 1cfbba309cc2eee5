package skills

type Decision string

const (
	DecisionAllow            Decision = "ALLOW"
	DecisionDeny             Decision = "DENY"
	DecisionApprovalRequired Decision = "APPROVAL_REQUIRED"
)

type Status string

const (
	StatusTrusted      Status = "trusted"
	StatusExperimental Status = "experimental"
	StatusRevoked      Status = "revoked"
	StatusDisabled     Status = "disabled"
	StatusUnknown      Status = "unknown"
	// StatusConflict marks an entry whose status string names a state its
	// boolean flag explicitly denies, such as "revoked" with revoked:false.
	StatusConflict Status = "conflict"
)

// LockFile is the on-disk shape of the skills lock registry. Unknown
// top-level fields are tolerated.
type LockFile struct {
	SchemaID      string      `json:"schema_id,omitempty"`
	SchemaVersion string      `json:"schema_version,omitempty"`
	Skills        []LockEntry `json:"skills"`
}

type LockEntry struct {
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
	Revoked  *bool  `json:"revoked,omitempty"`
	Disabled *bool  `json:"disabled,omitempty"`
}

type Reason struct {
	Code   string `json:"code"`
	Skill  string `json:"skill"`
	Detail string `json:"detail,omitempty"`
}

type Notice struct {
	Code   string `json:"code"`
	Skill  string `json:"skill,omitempty"`
	Detail string `json:"detail"`
}

type GateDecision struct {
	Decision     Decision `json:"decision"`
	Checked      []string `json:"checked"`
	Reasons      []Reason `json:"reasons"`
	Meta         []Notice `json:"meta,omitempty"`
	RegistryHash string   `json:"registry_hash,omitempty"`
}
