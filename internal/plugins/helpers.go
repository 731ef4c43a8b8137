package plugins

import "github.com/fleetops/control-plane/pkg/apierrors"

// missingDependency reports a plugin Init failing to find a capability a
// declared dependency should have published — a Host.Load bug, not a
// runtime condition, since the dependency DAG already guarantees order.
func missingDependency(plugin, capability string) error {
	return apierrors.PluginError(plugin, "missing required capability "+capability, nil)
}
