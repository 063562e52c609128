// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import "strings"

// =============================================================================
// FAILSAFE RESPONSES
// =============================================================================

// failsafeTopic maps user-message keywords to a canned reply. Topics are
// checked in order; the first hit wins.
type failsafeTopic struct {
	keywords []string
	reply    string
}

// RELIABILITY: these strings are the last line of defense. Every send path
// ends in one of them when the primary, every fallback, and the backup key
// all fail, so the user never sees silence or a raw error.
var failsafeTopics = []failsafeTopic{
	{
		keywords: []string{"price", "pricing", "cost", "quote", "budget", "rate"},
		reply: "I'm having trouble reaching our systems right now, but I can tell you our " +
			"pricing is tailored to each project. Reach out through the contact form and " +
			"the team will send you a detailed quote within one business day.",
	},
	{
		keywords: []string{"contact", "email", "phone", "reach", "call"},
		reply: "I can't pull up live details at the moment. The fastest way to reach the " +
			"team is the contact form on this site, and someone will get back to you " +
			"within one business day.",
	},
	{
		keywords: []string{"service", "services", "offer", "build", "develop", "design"},
		reply: "I'm temporarily unable to fetch details, but the team covers web design, " +
			"full-stack development, and ongoing maintenance. Check the services page or " +
			"drop a note through the contact form for specifics.",
	},
	{
		keywords: []string{"team", "who", "founder", "people", "staff"},
		reply: "I can't load team details right now. You can read about everyone on the " +
			"about page, or send a message through the contact form and the right person " +
			"will reply directly.",
	},
	{
		keywords: []string{"code", "tech", "stack", "framework", "language"},
		reply: "I'm having connection trouble, but the team works across modern web " +
			"stacks. Send your technical questions through the contact form and an " +
			"engineer will follow up.",
	},
}

// genericFailsafe covers messages matching no topic.
const genericFailsafe = "I'm sorry, I'm having trouble connecting right now. Please try " +
	"again in a moment, or use the contact form and the team will get back to you directly."

// StoppedMessage is the neutral reply shown when the user cancels a send.
const StoppedMessage = "Response stopped."

// Failsafe returns a deterministic, topic-matched canned reply for the given
// user message.
func Failsafe(userMessage string) string {
	lower := strings.ToLower(userMessage)
	for _, topic := range failsafeTopics {
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				return topic.reply
			}
		}
	}
	return genericFailsafe
}
