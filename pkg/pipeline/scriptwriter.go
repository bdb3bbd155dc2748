package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/llm"
	"github.com/clipcast/clipcast/pkg/models"
	"github.com/clipcast/clipcast/pkg/store"
)

// scriptGenerator is the slice of the LLM client the writer needs.
type scriptGenerator interface {
	GenerateScript(ctx context.Context, req llm.ScriptRequest) (*llm.Script, error)
}

// LLMScriptWriter implements ScriptWriter over the chat-completion
// client. The channel's compiled-in system prompt can be replaced at
// runtime through the SCRIPT_PROMPT setting.
type LLMScriptWriter struct {
	client   scriptGenerator
	settings store.SettingsStore
	behavior *config.ChannelBehavior
	now      func() time.Time
}

// NewLLMScriptWriter wires the writer.
func NewLLMScriptWriter(client scriptGenerator, settings store.SettingsStore,
	behavior *config.ChannelBehavior) *LLMScriptWriter {
	return &LLMScriptWriter{
		client:   client,
		settings: settings,
		behavior: behavior,
		now:      time.Now,
	}
}

// WriteScript implements ScriptWriter.
func (w *LLMScriptWriter) WriteScript(ctx context.Context, job *models.Job, progress Progress) (*ScriptResult, error) {
	progress(5, "generating script")

	system := w.behavior.ScriptSystemPrompt()
	override, ok, err := w.settings.GetSetting(ctx, w.behavior.ChannelID, models.SettingScriptPrompt)
	if err != nil {
		return nil, err
	}
	if ok && strings.TrimSpace(override) != "" {
		system = override
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Title: %s\n", job.Title)
	if job.Summary != "" {
		fmt.Fprintf(&user, "Summary: %s\n", job.Summary)
	}
	if job.Link != "" {
		fmt.Fprintf(&user, "Source: %s\n", job.Link)
	}
	today := models.QuotaDate(w.now())
	if extra := w.behavior.ExtraPrompt(today); extra != "" {
		fmt.Fprintf(&user, "\n%s\n", extra)
	}

	script, err := w.client.GenerateScript(ctx, llm.ScriptRequest{
		SystemPrompt: system,
		UserPrompt:   user.String(),
	})
	if err != nil {
		return nil, err
	}

	progress(20, "script generated")
	return &ScriptResult{
		Title:       script.Title,
		Description: script.Description,
		Scenes:      script.Scenes,
		Tags:        script.Tags,
		Sources:     script.Sources,
	}, nil
}
