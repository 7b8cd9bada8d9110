package response

// Trigger types recognized by the playbook catalog. Unknown triggers fall
// back to a scan.
const (
	TriggerAuthFailure     = "repeated_auth_failure"
	TriggerCompromise      = "compromise_indicator"
	TriggerPrivilegeAbuse  = "privilege_abuse"
	TriggerLateralMovement = "lateral_movement"
)

// Action types the orchestrator knows how to dispatch.
const (
	ActionBlockIP        = "block_ip"
	ActionIsolateHost    = "isolate_host"
	ActionDisableUser    = "disable_user"
	ActionUpdateFirewall = "update_firewall"
	ActionScan           = "scan"
)

var catalog = map[string]string{
	TriggerAuthFailure:     ActionBlockIP,
	TriggerCompromise:      ActionIsolateHost,
	TriggerPrivilegeAbuse:  ActionDisableUser,
	TriggerLateralMovement: ActionUpdateFirewall,
}

// ActionFor maps a trigger type to the containment action to run.
func ActionFor(trigger string) string {
	if a, ok := catalog[trigger]; ok {
		return a
	}
	return ActionScan
}

// KnownAction reports whether t is a dispatchable action type.
func KnownAction(t string) bool {
	switch t {
	case ActionBlockIP, ActionIsolateHost, ActionDisableUser, ActionUpdateFirewall, ActionScan:
		return true
	}
	return false
}
