package security

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Policy decides whether an authenticated session may perform an action.
type Policy interface {
	Allow(s Session, action, resource string) bool
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(s Session, action, resource string) bool

func (f PolicyFunc) Allow(s Session, action, resource string) bool {
	return f(s, action, resource)
}

// AllowAll permits every action.
var AllowAll Policy = PolicyFunc(func(Session, string, string) bool { return true })

// policyEnv is the environment a rule is evaluated against.
type policyEnv struct {
	Action    string `expr:"action"`
	Resource  string `expr:"resource"`
	DeviceID  string `expr:"deviceId"`
	IPAddress string `expr:"ipAddress"`
}

// ExprPolicy evaluates a compiled boolean rule such as
//
//	action != "admin.shutdown" || deviceId startsWith "ops-"
type ExprPolicy struct {
	rule    string
	program *vm.Program
}

// NewExprPolicy compiles rule. The rule must evaluate to a bool.
func NewExprPolicy(rule string) (*ExprPolicy, error) {
	program, err := expr.Compile(rule, expr.Env(policyEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile policy rule: %w", err)
	}
	return &ExprPolicy{rule: rule, program: program}, nil
}

// Allow runs the rule. A rule that fails at runtime denies.
func (p *ExprPolicy) Allow(s Session, action, resource string) bool {
	out, err := expr.Run(p.program, policyEnv{
		Action:    action,
		Resource:  resource,
		DeviceID:  s.DeviceID,
		IPAddress: s.IPAddress,
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (p *ExprPolicy) String() string {
	return p.rule
}
