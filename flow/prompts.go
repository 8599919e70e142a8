package flow

import (
	"fmt"
	"strings"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/core"
)

// personaStyles maps the persona selector carried by a run to the answer
// style instructions injected into synthesis prompts. Unknown personas fall
// back to the default.
var personaStyles = map[string]string{
	"기본": "간결하고 정확하게 답변하세요. 수집된 자료를 [n] 형식으로 인용하세요.",
	"전문가": "전문 용어를 사용해 깊이 있게 답변하세요. 모든 주장에 [n] 형식의 출처를 붙이세요.",
	"friendly": "Answer in a warm, conversational tone. Cite retrieved material as [n].",
}

const defaultPersona = "기본"

func personaInstructions(persona string) string {
	style, ok := personaStyles[persona]
	if !ok {
		style = personaStyles[defaultPersona]
	}
	return "You are a research assistant.\n" + style
}

// buildAnswerPrompt assembles the chat synthesis input: conversation
// window, retrieved context labeled by citation position, then the query.
// Labels [1]..[n] align with the state's sources by position.
func buildAnswerPrompt(query, memoryContext string, collected []core.CollectedItem) string {
	var sb strings.Builder

	if memoryContext != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(memoryContext)
		sb.WriteString("\n")
	}

	if len(collected) > 0 {
		sb.WriteString("Retrieved context:\n")
		for i, item := range collected {
			fmt.Fprintf(&sb, "[%d] (%s) %s\n", i+1, item.Provider, item.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}
