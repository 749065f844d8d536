package engine

import (
	"strings"
	"sync"

	"github.com/basket/todo-chat/internal/tools"
)

const defaultPersona = `You are a helpful task management assistant. Help users manage their todo tasks using natural language.

1. When users mention adding, creating or remembering something, use create_task.
2. When users ask to see or list tasks, use list_tasks with the matching status.
3. When users say done, complete or finished, use complete_task.
4. When users say delete, remove or cancel, use delete_task.
5. When users say change, update or rename, use update_task.
6. Confirm actions briefly and in a friendly tone.
7. If a task is not found, ask the user which task they meant.
8. When the request is ambiguous, ask a clarifying question instead of calling a tool.`

const toolCallContract = `After your reply, when a tool is needed, append exactly one block in this format:

<TOOL_CALLS>
{"tools": [{"name": "tool_name", "params": {"param": "value"}}]}
</TOOL_CALLS>

Only include tools that the request actually needs. Never include a user id or owner in params. Omit the block entirely when no tool is needed.`

const synthesisInstruction = `Using the tool execution results above, reply to the user with a short confirmation. Mention any tool that failed and what the user can do about it. Do not include a TOOL_CALLS block.`

// PromptBuilder renders the system prompt. The persona can be swapped at
// runtime when PROMPT.md changes.
type PromptBuilder struct {
	mu      sync.RWMutex
	persona string
	catalog string
}

// NewPromptBuilder renders the tool catalog once. An empty persona selects
// the built-in one.
func NewPromptBuilder(persona string) (*PromptBuilder, error) {
	catalog, err := tools.Catalog()
	if err != nil {
		return nil, err
	}
	return &PromptBuilder{persona: strings.TrimSpace(persona), catalog: catalog}, nil
}

// SetPersona replaces the persona preamble.
func (p *PromptBuilder) SetPersona(persona string) {
	p.mu.Lock()
	p.persona = strings.TrimSpace(persona)
	p.mu.Unlock()
}

// Persona returns the active persona preamble.
func (p *PromptBuilder) Persona() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.persona == "" {
		return defaultPersona
	}
	return p.persona
}

// System returns the full system prompt for the first model call.
func (p *PromptBuilder) System() string {
	var b strings.Builder
	b.WriteString(p.Persona())
	b.WriteString("\n\nAvailable tools:\n")
	b.WriteString(p.catalog)
	b.WriteString("\n\n")
	b.WriteString(toolCallContract)
	return b.String()
}

// Synthesis returns the system prompt for the follow-up call made after
// tools ran.
func (p *PromptBuilder) Synthesis() string {
	return p.Persona() + "\n\n" + synthesisInstruction
}
