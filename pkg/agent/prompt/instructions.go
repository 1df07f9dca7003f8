package prompt

// coordinationInstructions is the protocol preamble shared by every agent.
const coordinationInstructions = `## Coordination Instructions

You are one of several agents working on the same task in parallel. Each
agent has a private workspace and can read the latest published answer of
every other agent.

Rules of engagement:
1. Work on the task using your workspace and the available tools.
2. When your work product is ready, publish it with the new_answer tool.
   Publishing again replaces your previous answer; other agents only ever
   see your latest one.
3. Review the other agents' current answers each turn. If one of them
   solves the task at least as well as anything you could produce, vote
   for it with the vote tool instead of duplicating the work.
4. Every turn must end with exactly one coordination call: new_answer or
   vote. Plain text that is not backed by a published answer is invisible
   to the other agents.
5. Files referenced by your answer must exist in your workspace when you
   publish. The workspace is snapshotted at that moment and shared
   read-only with the other agents.

The session ends when every agent stands behind one answer.`

// coordinationTask closes the per-turn user message.
const coordinationTask = `## Your Move

Continue working on the task. End your turn with exactly one coordination
call: new_answer to publish or replace your answer, or vote to endorse
another agent's current answer.`

// finalTask closes the final-presentation user message.
const finalTask = `## Final Presentation

Your answer won the vote. Produce the definitive deliverable for the user:
incorporate anything useful from the other agents' answers, execute any
deferred tool calls that are still needed, and write the final files to
your workspace. The text you stream in this turn is what the user
receives.`

// rePromptInstruction is sent when a turn ended without a coordination call.
const rePromptInstruction = `Your previous turn ended without a coordination call. You must end this
turn by calling either new_answer (to publish your work) or vote (to
endorse another agent's current answer). Do not end your turn without one
of these calls.`
