// Package hostcall is the concrete wrapper catalog: every guest-visible
// host call a worker can make, each routed through durability.Call with
// its wrapped_function_type so it records and replays deterministically.
// Each wrapper type (CLI, Filesystem, and the rest) is constructed per
// loaded worker around that worker's durability.Wrapper.
package hostcall
