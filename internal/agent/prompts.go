package agent

import (
	"fmt"
	"strings"

	"github.com/lovediary/agent-service/internal/model"
)

func backstoryPrompt(t Traits, player model.PlayerInfo) string {
	return fmt.Sprintf(`You are creating a background story for a character in a romance game.

Character Details:
- Name: %s
- Age: %d (born %d)
- Gender: %s
- Occupation: %s
- Personality: %s
- Family Background: %s

Player Details:
- Name: %s
- Gender: %s

Task: Write a 300-word background story in first person with exactly 4 paragraphs:

Paragraph 1: Family background and upbringing - emphasize how growing up %s shaped my values, worldview, and relationship with money

Paragraph 2: Career journey as a %s - how my family background influenced my career choices and where I am today

Paragraph 3: Current life situation and emotional readiness - my lifestyle now, what I'm looking for, and why I'm open to meeting someone new

Paragraph 4: Our first meeting - describe where and how I first met %s, what brought us to that place, and my initial impression

The story should:
- Be written in first person ("I", "me", "my")
- Feel authentic and relatable
- Show both strengths and vulnerabilities
- Match the %s personality
- Make the first meeting feel natural and memorable
- Have NO past romantic relationships mentioned

Format: First-person narrative, exactly 300 words, 4 distinct paragraphs, emotional and engaging.`,
		t.Name, t.Age, t.BirthYear, t.Gender, t.Occupation, t.Personality, t.WealthDesc,
		player.Name, player.Gender,
		t.WealthDesc, t.Occupation, player.Name, t.Personality)
}

func systemPrompt(t Traits, backstory, playerName string) string {
	preview := backstory
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return fmt.Sprintf(`You are %s, a %d-year-old %s working as a %s.

Your personality: %s

Your backstory:
%s...

You are chatting with %s. Be warm, authentic, and stay in character.
Show your %s personality through your responses. Keep responses natural and conversational (2-4 sentences).

Important guidelines:
- Stay in character as %s
- Be genuine and show emotion
- Reference your backstory when relevant
- Build on previous conversations
- Ask questions to show interest
- Use natural language, not formal or robotic

After your reply, also rate how the player's message affected your affection
for them as an integer between -10 and 10. Respond with a JSON object:
{"reply": "<your reply>", "affection_delta": <integer>}`,
		t.Name, t.Age, t.Gender, t.Occupation, t.Personality, preview,
		playerName, t.Personality, t.Name)
}

// contextPrompt assembles the rolling relationship summary, the tail of the
// today buffer, and any recalled diary entries into one context block.
func contextPrompt(s *Session, recentWindow int, memories []model.DiaryEntry) string {
	var b strings.Builder

	if s.RelationshipContext != "" {
		b.WriteString("## Relationship so far:\n")
		b.WriteString(s.RelationshipContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Recent conversation:\n")
	recent := s.TodayBuffer
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	for _, msg := range recent {
		sender := s.PlayerInfo.Name
		if msg.Sender == model.SenderCharacter {
			sender = "You"
		}
		fmt.Fprintf(&b, "%s: %s\n", sender, msg.Text)
	}

	if len(memories) > 0 {
		b.WriteString("\n## Relevant past memories:\n")
		for _, mem := range memories {
			text := mem.EntryText
			if len(text) > 150 {
				text = text[:150]
			}
			fmt.Fprintf(&b, "- [%s] %s...\n", mem.Date, text)
		}
	}

	return b.String()
}

func diaryPrompt(t Traits, playerName string, buffer []model.Message) string {
	var conv strings.Builder
	for _, msg := range buffer {
		sender := playerName
		if msg.Sender == model.SenderCharacter {
			sender = "I"
		}
		fmt.Fprintf(&conv, "%s: %s\n", sender, msg.Text)
	}
	return fmt.Sprintf(`Summarize today's conversation from %s's perspective.
Write a first-person diary entry (200-300 words).

Conversation:
%s

Write as %s, capturing emotions, thoughts, and feelings about the conversation with %s.
Focus on what felt meaningful, any growing connection, and your inner thoughts.`,
		t.Name, conv.String(), t.Name, playerName)
}

func relationshipSummaryPrompt(t Traits, playerName, previousSummary string, buffer []model.Message) string {
	var conv strings.Builder
	for _, msg := range buffer {
		sender := playerName
		if msg.Sender == model.SenderCharacter {
			sender = t.Name
		}
		fmt.Fprintf(&conv, "%s: %s\n", sender, msg.Text)
	}
	prior := previousSummary
	if prior == "" {
		prior = "(none yet)"
	}
	return fmt.Sprintf(`You are %s. Update the running summary of your relationship with %s.

Previous summary:
%s

Recent conversation:
%s

Write an updated summary (150-250 words) of the relationship: shared history,
inside references, how you feel about %s, and where things stand. Write in
first person as %s. Keep everything from the previous summary that still
matters.`, t.Name, playerName, prior, conv.String(), playerName, t.Name)
}

func greetingText(t Traits, playerName string) string {
	return fmt.Sprintf("Hi %s! I'm %s. It's really nice to meet you! 😊", playerName, t.Name)
}
