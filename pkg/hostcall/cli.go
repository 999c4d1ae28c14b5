package hostcall

import (
	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// CLI wraps the guest's view of its own invocation arguments and
// environment, plus its exit call: get_environment, get_arguments, and
// exit. All three go through durability.Call as ReadLocal, so each one
// is recorded on a live run and replayed from the oplog; exit then also
// calls onExit to move the worker to Exited.
type CLI struct {
	wrapper *durability.Wrapper
	args    []string
	env     map[string]string
	onExit  func() error
}

func NewCLI(w *durability.Wrapper, args []string, env map[string]string, onExit func() error) *CLI {
	return &CLI{wrapper: w, args: args, env: env, onExit: onExit}
}

func (c *CLI) GetArguments() ([]string, error) {
	return durability.Call(c.wrapper, "get_arguments", types.ReadLocal, struct{}{}, func(struct{}) ([]string, error) {
		return c.args, nil
	})
}

func (c *CLI) GetEnvironment() (map[string]string, error) {
	return durability.Call(c.wrapper, "get_environment", types.ReadLocal, struct{}{}, func(struct{}) (map[string]string, error) {
		return c.env, nil
	})
}

type exitRequest struct {
	Code int
}

// Exit records the guest's exit call and then transitions the owning
// worker to Exited via onExit.
func (c *CLI) Exit(code int) error {
	_, err := durability.Call(c.wrapper, "exit", types.ReadLocal, exitRequest{Code: code}, func(req exitRequest) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return c.onExit()
}
