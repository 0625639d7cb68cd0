package pipeline

import (
	"fmt"

	"github.com/untoldecay/kiln/internal/i18n"
	"github.com/untoldecay/kiln/internal/schema"
	"github.com/untoldecay/kiln/internal/session"
)

// AgentStepI18n registers an agent step whose prompt, cached prompt, tools,
// and response schema all derive from the prompt pack under key name:
//
//	<name>.prompt          — required template, interpolated with attrs
//	<name>.cached_prompts  — optional list of system strings
//	<name>.tools           — optional list of registered tool names
//	<name>.response_schema — optional field→type map
//
// attrs extracts the record's template attributes; nil uses an empty map.
// The prior review round's feedback is always available to the template as
// {{.feedback}}. On success the reply's data is written back to the record
// through the family's Update func.
func (f *Family[R]) AgentStepI18n(name string, pack *i18n.Service, attrs func(r *R) map[string]any) {
	f.AgentStep(name, func(h *Helpers[R]) (AgentPrompt, error) {
		a := map[string]any{}
		if attrs != nil {
			for k, v := range attrs(h.Record) {
				a[k] = v
			}
		}
		a["feedback"] = JoinFeedback(h.Feedback)
		a["diff"] = h.Diff

		prompt, err := pack.T(name+".prompt", a)
		if err != nil {
			return AgentPrompt{}, fmt.Errorf("pipeline: step %q: %w", name, err)
		}
		ap := AgentPrompt{
			Prompt:       []string{prompt},
			CachedPrompt: pack.StringList(name + ".cached_prompts"),
		}
		for _, tool := range pack.StringList(name + ".tools") {
			ap.Tools = append(ap.Tools, tool)
		}
		if h.Workspace != nil {
			ap.WorkspaceDir = h.Workspace.Dir
		}
		if raw, ok := pack.Get(name + ".response_schema"); ok {
			sch, err := schema.FromSpec(raw)
			if err != nil {
				return AgentPrompt{}, fmt.Errorf("pipeline: step %q: %w", name, err)
			}
			ap.Schema = sch
		}
		return ap, nil
	}, func(h *Helpers[R], resp session.ChatResponse) error {
		if f.Update == nil || h.Task.RecordID == nil || len(resp.Data) == 0 {
			return nil
		}
		updated, err := f.Update(h.Ctx, h.Store, *h.Task.RecordID, resp.Data)
		if err != nil {
			return err
		}
		*h.Record = *updated
		return nil
	})
}
