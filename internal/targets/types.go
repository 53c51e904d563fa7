package targets

// ConflictStrategy selects how AddIdentifier/UpdateIdentifier resolve
// an identifier that already links to a different target, per spec
// §4.6's identifier conflict resolution table.
type ConflictStrategy string

// Known strategies.
const (
	StrategyCancel                            ConflictStrategy = "Cancel"
	StrategyUseExistingTarget                 ConflictStrategy = "UseExistingTarget"
	StrategyKeepExistingAndAlsoLinkToRequested ConflictStrategy = "KeepExistingAndAlsoLinkToRequestedTarget"
	StrategyMoveIdentifierToRequestedTarget    ConflictStrategy = "MoveIdentifierToRequestedTarget"
)

// GlobalPersonStrategy selects how a global-entity identifier conflict
// is resolved when syncing into the cross-case person registry.
type GlobalPersonStrategy string

// Known global-person strategies.
const (
	GlobalPersonStrategyCancel                  GlobalPersonStrategy = "Cancel"
	GlobalPersonStrategyUseExistingPerson        GlobalPersonStrategy = "UseExistingPerson"
	GlobalPersonStrategyMoveIdentifierToRequested GlobalPersonStrategy = "MoveIdentifierToRequestedPerson"
)
