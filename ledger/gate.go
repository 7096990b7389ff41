package ledger

// =============================================================================
// PERMISSION GATE - external policy collaborator
// =============================================================================

// The group -> function -> action matrix lives outside this engine. The core
// only asks a single question before any mutating entry point: may this
// actor perform this action on this function?

type Action string

const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Function names the gate recognizes, one per protected surface.
const (
	FuncCirculation = "circulation"
	FuncSettlement  = "settlement"
	FuncIntake      = "intake"
	FuncReaders     = "readers"
	FuncCatalog     = "catalog"
	FuncParameters  = "parameters"
)

// Gate answers capability checks. Implementations are injected by the caller.
type Gate interface {
	CanPerform(actor, function string, action Action) bool
}

// AllowAll grants everything. Used in development and tests.
type AllowAll struct{}

func (AllowAll) CanPerform(string, string, Action) bool { return true }

// Matrix is a static actor -> function -> actions grant table, the simplest
// useful Gate for deployments without an external policy service.
type Matrix map[string]map[string][]Action

func (m Matrix) CanPerform(actor, function string, action Action) bool {
	grants, ok := m[actor]
	if !ok {
		return false
	}
	for _, a := range grants[function] {
		if a == action {
			return true
		}
	}
	return false
}
