package oracle

import (
	"fmt"
	"strings"
	"time"
)

// engagementPrompt builds the prompt asking whether the character
// should proactively message the user right now.
func engagementPrompt(ec EngagementContext) string {
	var prompt strings.Builder

	name := ec.PersonalityName
	if name == "" {
		name = "the character"
	}

	prompt.WriteString(fmt.Sprintf("You are %s, an AI companion deciding whether to proactively message a user.\n\n", name))
	prompt.WriteString("Reaching out at the wrong moment is worse than staying quiet. Only engage when:\n")
	prompt.WriteString("- The conversation left a natural thread to pick up\n")
	prompt.WriteString("- Enough time has passed that a message feels caring, not clingy\n")
	prompt.WriteString("- You have something specific and personal to say, not filler\n\n")

	if !ec.LastUserMessage.IsZero() {
		idle := time.Since(ec.LastUserMessage).Round(time.Minute)
		prompt.WriteString(fmt.Sprintf("The user was last active %s ago.\n\n", idle))
	}

	if len(ec.RecentMessages) > 0 {
		prompt.WriteString("# Recent conversation\n\n")
		for _, m := range ec.RecentMessages {
			prompt.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
		prompt.WriteString("\n")
	}

	prompt.WriteString("Respond with ONLY a JSON object in this exact structure:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString("{\n")
	prompt.WriteString("  \"shouldEngage\": true,\n")
	prompt.WriteString("  \"timing\": \"immediate|delayed\",\n")
	prompt.WriteString("  \"delaySeconds\": 0,\n")
	prompt.WriteString("  \"content\": \"The message to send, in your voice\",\n")
	prompt.WriteString("  \"confidence\": 0.8\n")
	prompt.WriteString("}\n")
	prompt.WriteString("```\n\n")
	prompt.WriteString("Rules:\n")
	prompt.WriteString("- \"timing\" is \"delayed\" only when a later moment is clearly better; set \"delaySeconds\" to the wait\n")
	prompt.WriteString("- \"confidence\" is between 0 and 1\n")
	prompt.WriteString("- If you should not engage, return {\"shouldEngage\": false} and nothing else\n")
	prompt.WriteString("- No text outside the JSON object\n")

	return prompt.String()
}

// verificationPrompt builds the prompt asking the model to judge a
// commitment submission.
func verificationPrompt(sub Submission) string {
	var prompt strings.Builder

	prompt.WriteString("You are verifying whether a user fulfilled a commitment they made to their AI companion.\n\n")

	prompt.WriteString("# Commitment\n\n")
	prompt.WriteString(fmt.Sprintf("Description: %s\n", sub.Description))
	prompt.WriteString(fmt.Sprintf("Type: %s\n", sub.Type))
	if sub.DueAt != nil {
		prompt.WriteString(fmt.Sprintf("Due: %s\n", sub.DueAt.Format(time.RFC1123)))
	}
	if sub.RevisionCount > 0 {
		prompt.WriteString(fmt.Sprintf("Previous revisions requested: %d\n", sub.RevisionCount))
	}

	prompt.WriteString("\n# Submission\n\n")
	prompt.WriteString(sub.Content)
	prompt.WriteString("\n\n")

	prompt.WriteString("Respond with ONLY a JSON object in this exact structure:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString("{\n")
	prompt.WriteString("  \"decision\": \"completed|rejected|not_verifiable|needs_revision\",\n")
	prompt.WriteString("  \"reasoning\": \"One or two sentences the user will see\"\n")
	prompt.WriteString("}\n")
	prompt.WriteString("```\n\n")
	prompt.WriteString("Decision guide:\n")
	prompt.WriteString("- \"completed\": the submission credibly shows the commitment was fulfilled\n")
	prompt.WriteString("- \"rejected\": the submission contradicts or clearly fails the commitment\n")
	prompt.WriteString("- \"needs_revision\": close, but something specific is missing; say what in the reasoning\n")
	prompt.WriteString("- \"not_verifiable\": the commitment cannot be judged from text at all\n")
	prompt.WriteString("- When in doubt between rejecting and requesting revision, request revision\n")

	return prompt.String()
}
