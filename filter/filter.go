package filter

import (
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

// Program is a compiled view filter. A message is shown when the expression evaluates to true.
type Program struct {
	source string
	prog   *vm.Program
}

// Compile compiles a view filter expression, f.e. `Sender.Role == "instructor" || Mention`.
// An empty expression yields a nil program which matches every message.
func Compile(expression string) (*Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &Program{source: expression, prog: prog}, nil
}

func (p *Program) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

func NewEnv(msg *types.Message, me types.Identity) Env {
	mention := false
	if me.Name != "" {
		mention = strings.Contains(strings.ToLower(msg.Body), "@"+strings.ToLower(me.Name))
	}
	return Env{
		Sender: User{
			Id:   msg.SenderId,
			Name: msg.SenderName,
			Role: string(msg.SenderRole),
		},
		Me: User{
			Id:   me.UserId,
			Name: me.Name,
			Role: string(me.Role),
		},
		Body:    msg.Body,
		Created: msg.Timestamp.Unix(),
		IsReply: msg.IsReply(),
		Read:    msg.Read,
		Mention: mention,
		Lower:   strings.ToLower,
	}
}

// Match runs the filter for one message. A nil program matches everything, so does a filter that fails to run.
func (p *Program) Match(msg *types.Message, me types.Identity) bool {
	if p == nil {
		return true
	}
	res, err := expr.Run(p.prog, NewEnv(msg, me))
	if err != nil {
		globals.AppLogger.Error("could not run view filter", "filter", p.source, "error", err)
		return true
	}
	if bRes, ok := res.(bool); ok {
		return bRes
	}
	return true
}
