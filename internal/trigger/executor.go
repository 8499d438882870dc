package trigger

import (
	"context"
	"fmt"
	"sort"

	"github.com/convoflow/convoflow/internal/channels"
	"github.com/convoflow/convoflow/internal/tools"
)

// Schema declares the config keys an action requires.
type Schema struct {
	Required []string
	// OneOf lists keys of which at least one must be present.
	OneOf []string
}

// Validate checks cfg against the schema.
func (s Schema) Validate(cfg map[string]any) error {
	for _, k := range s.Required {
		if isEmpty(cfg[k]) {
			return fmt.Errorf("%w: action config missing %q", ErrInvalid, k)
		}
	}
	if len(s.OneOf) > 0 {
		for _, k := range s.OneOf {
			if !isEmpty(cfg[k]) {
				return nil
			}
		}
		return fmt.Errorf("%w: action config needs one of %v", ErrInvalid, s.OneOf)
	}
	return nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}

// Executor performs one action type.
type Executor interface {
	Type() string
	Schema() Schema
	Execute(ctx context.Context, cfg map[string]any) (map[string]any, error)
}

// Executors maps action types to executors.
type Executors struct {
	byType map[string]Executor
}

// NewExecutors registers execs; nil entries are skipped.
func NewExecutors(execs ...Executor) *Executors {
	e := &Executors{byType: make(map[string]Executor)}
	for _, x := range execs {
		if x != nil {
			e.Register(x)
		}
	}
	return e
}

func (e *Executors) Register(x Executor) {
	e.byType[x.Type()] = x
}

// Validate checks that actionType has an executor and cfg satisfies it.
func (e *Executors) Validate(actionType string, cfg map[string]any) (Executor, error) {
	x, ok := e.byType[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for %q", ErrInvalid, actionType)
	}
	return x, x.Schema().Validate(cfg)
}

// Types lists the registered action types.
func (e *Executors) Types() []string {
	out := make([]string, 0, len(e.byType))
	for t := range e.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MessageSender delivers chat messages to a phone number.
type MessageSender interface {
	SendText(ctx context.Context, to, text string) (channels.SendResult, error)
	SendMedia(ctx context.Context, to, url, mediaType, caption string) (channels.SendResult, error)
}

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// TeamNotifier posts to the team's chat.
type TeamNotifier interface {
	Notify(ctx context.Context, channel, text string) (string, error)
}

// StatusUpdater changes the status of a stored record.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, entity, id, status string) error
}

// ToolRunner executes a named tool.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

// SendMessageAction handles send_message: {to, text} or {to, media_url, media_type, caption}.
type SendMessageAction struct{ Sender MessageSender }

func (SendMessageAction) Type() string { return ActionSendMessage }
func (SendMessageAction) Schema() Schema {
	return Schema{Required: []string{"to"}, OneOf: []string{"text", "media_url"}}
}

func (a SendMessageAction) Execute(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	to := stringify(cfg["to"])
	var (
		res channels.SendResult
		err error
	)
	if url := stringify(cfg["media_url"]); url != "" {
		res, err = a.Sender.SendMedia(ctx, to, url, stringify(cfg["media_type"]), stringify(cfg["caption"]))
	} else {
		res, err = a.Sender.SendText(ctx, to, stringify(cfg["text"]))
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": res.MessageID, "status": res.Status}, nil
}

// SendEmailAction handles send_email: {to, subject, body}. to may be a list.
type SendEmailAction struct{ Sender EmailSender }

func (SendEmailAction) Type() string { return ActionSendEmail }
func (SendEmailAction) Schema() Schema {
	return Schema{Required: []string{"to", "subject", "body"}}
}

func (a SendEmailAction) Execute(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	var to []string
	switch v := cfg["to"].(type) {
	case []any:
		for _, x := range v {
			to = append(to, stringify(x))
		}
	default:
		to = []string{stringify(v)}
	}
	if err := a.Sender.SendEmail(ctx, to, stringify(cfg["subject"]), stringify(cfg["body"])); err != nil {
		return nil, err
	}
	return map[string]any{"recipients": len(to)}, nil
}

// NotifyTeamAction handles notify_team: {text, channel?}.
type NotifyTeamAction struct{ Notifier TeamNotifier }

func (NotifyTeamAction) Type() string { return ActionNotifyTeam }
func (NotifyTeamAction) Schema() Schema {
	return Schema{Required: []string{"text"}}
}

func (a NotifyTeamAction) Execute(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	ts, err := a.Notifier.Notify(ctx, stringify(cfg["channel"]), stringify(cfg["text"]))
	if err != nil {
		return nil, err
	}
	return map[string]any{"timestamp": ts}, nil
}

// ChangeStatusAction handles change_status: {entity, id, status}.
type ChangeStatusAction struct{ Records StatusUpdater }

func (ChangeStatusAction) Type() string { return ActionChangeStatus }
func (ChangeStatusAction) Schema() Schema {
	return Schema{Required: []string{"entity", "id", "status"}}
}

func (a ChangeStatusAction) Execute(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	entity, id, status := stringify(cfg["entity"]), stringify(cfg["id"]), stringify(cfg["status"])
	if err := a.Records.UpdateStatus(ctx, entity, id, status); err != nil {
		return nil, err
	}
	return map[string]any{"entity": entity, "id": id, "status": status}, nil
}

type clientKey struct{}

func withClient(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

func clientFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientKey{}).(string)
	return id
}

// CallToolAction handles call_tool: {tool, params?}. The tool runs for the
// trigger's client.
type CallToolAction struct{ Tools ToolRunner }

func (CallToolAction) Type() string { return ActionCallTool }
func (CallToolAction) Schema() Schema {
	return Schema{Required: []string{"tool"}}
}

func (a CallToolAction) Execute(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	src, _ := cfg["params"].(map[string]any)
	params := make(map[string]any, len(src)+1)
	for k, v := range src {
		params[k] = v
	}
	params[tools.ClientIDKey] = clientFromContext(ctx)
	out, err := a.Tools.Execute(ctx, stringify(cfg["tool"]), params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}
