// Package memory keeps the working memory of each agent role in a project.
//
// A role's memory has four parts:
//
//   - Recent activity: a ring of task outcomes, newest first
//   - Domain knowledge: facts learned about the project
//   - Concerns: open risks the role is tracking
//   - Agreements: conventions settled with other roles
//
// Memory is rendered as Markdown and passed to the role's process as
// context. Rendering is deterministic so identical memory always produces
// identical prompts. When the rendering exceeds a token budget, the oldest
// recent entries are dropped first; the newest entry is always kept.
package memory
