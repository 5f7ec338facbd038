// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package agentdriver

import (
	"fmt"

	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
)

const (
	planInstructions = `IMPORTANT: You are in PLAN mode. Your task is to produce a DETAILED PLAN for implementing this request. Do NOT implement any code yet. The plan should cover:
1. Requirements analysis
2. Implementation steps
3. Files and modules to modify
4. Risks and considerations
5. Testing strategy

Write the plan as markdown, detailed and easy to follow.`

	editInstructions = `IMPORTANT: You are in EDIT mode. Your task is to IMPLEMENT or MODIFY CODE to satisfy this request. Create or change the files that are needed.`

	askInstructions = `IMPORTANT: You are in ASK mode. Your task is to ANSWER the question about the source code. Do NOT modify or implement code. Only explain and analyse.`
)

// BuildPrompt renders the analysis prompt for question, scoped to
// codeContext when non-empty, with the instructions for mode appended.
// Unknown modes get the ask instructions.
func BuildPrompt(mode ticket.Mode, question, codeContext string) string {
	var instructions string
	switch mode {
	case ticket.ModePlan:
		instructions = planInstructions
	case ticket.ModeEdit:
		instructions = editInstructions
	default:
		instructions = askInstructions
	}
	question = question + "\n\n" + instructions

	if codeContext == "" {
		return fmt.Sprintf("Analyze the code to help QA understand the business flow. Question: %s", question)
	}
	return fmt.Sprintf("Analyze the code in %s to help QA understand the business flow. Question: %s", codeContext, question)
}
