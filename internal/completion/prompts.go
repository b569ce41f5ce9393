package completion

import (
	"fmt"
	"strings"
)

// DefaultTokens is the size of the trailing context sent to the model.
const DefaultTokens = 30

const systemInstruction = "You are a helpful AI embedded in a notion text editor app that is used to autocomplete sentences.\n" +
	"The traits of AI include expert knowledge, helpfulness, cleverness, and articulateness.\n" +
	"AI is a well-behaved and well-mannered individual.\n" +
	"AI is always friendly, kind, and inspiring, and he is eager to provide vivid and thoughtful responses to the user."

func userPrompt(context string) string {
	return fmt.Sprintf("I am writing a piece of text in a notion text editor app.\n"+
		"Help me complete my train of thought here: ##%s##\n"+
		"keep the tone of the text consistent with the rest of the text.\n"+
		"keep the response short and sweet. Only output the completion, no extra text.", context)
}

// TrailingContext returns the last n whitespace-delimited tokens of text,
// joined by single spaces.
func TrailingContext(text string, n int) string {
	tokens := strings.Fields(text)
	if n > 0 && len(tokens) > n {
		tokens = tokens[len(tokens)-n:]
	}
	return strings.Join(tokens, " ")
}
