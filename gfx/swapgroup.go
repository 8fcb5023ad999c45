package gfx

import "github.com/hn-88/sgct/cluster"

// SwapGroup returns the hardware swap-lock binding for the current driver.
// The NV swap-group extension is not exposed by the core GL bindings, so
// this currently always reports unsupported; the cluster coordinator then
// relies on the software present fence alone. The strict join-then-enable
// ordering lives in cluster.SwapGroupCoordinator and applies unchanged once
// a real binding exists.
func SwapGroup() cluster.SwapGroup {
	return cluster.Unsupported{}
}
