package types

// OperationType categorizes what a tool invocation does to the user's
// data or environment.
type OperationType string

const (
	OpReadLocal        OperationType = "read_local"
	OpWriteLocal       OperationType = "write_local"
	OpReadExternal     OperationType = "read_external"
	OpWriteExternal    OperationType = "write_external"
	OpReadSensitive    OperationType = "read_sensitive"
	OpWriteSensitive   OperationType = "write_sensitive"
	OpExecute          OperationType = "execute"
	OpCredentialAccess OperationType = "credential_access"
	OpMemoryRead       OperationType = "memory_read"
	OpMemoryWrite      OperationType = "memory_write"
	OpSkillModify      OperationType = "skill_modify"
)

// OperationTypes lists every known operation type, in a stable order.
func OperationTypes() []OperationType {
	return []OperationType{
		OpReadLocal, OpWriteLocal,
		OpReadExternal, OpWriteExternal,
		OpReadSensitive, OpWriteSensitive,
		OpExecute, OpCredentialAccess,
		OpMemoryRead, OpMemoryWrite,
		OpSkillModify,
	}
}

// ValidOperationType reports whether t is one of the known operation types.
func ValidOperationType(t OperationType) bool {
	for _, known := range OperationTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Classification is the structured result of classifying a single tool
// invocation.
type Classification struct {
	OperationType OperationType `json:"operation_type"`
	Categories    []string      `json:"categories,omitempty"`
	Description   string        `json:"description"`
	Confidence    float64       `json:"confidence"`
}

// ClassificationHint is a prior supplied by a tool's manifest. The
// classifier may override it.
type ClassificationHint struct {
	OperationType OperationType `json:"operation_type,omitempty"`
	Categories    []string      `json:"categories,omitempty"`
}
