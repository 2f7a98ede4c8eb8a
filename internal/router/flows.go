package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/notemill/notemill/internal/agent"
	"github.com/notemill/notemill/internal/aggregator"
	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/outbound"
)

// runAsk answers a question from the knowledge base. The whole run is
// read-only, so it needs no KB lock and can overlap writes safely.
func (r *Router) runAsk(ctx context.Context, desc kb.Descriptor, grp aggregator.Group, p *progress) error {
	p.start(ctx, "Looking that up...")

	ag, err := r.opts.Agents(ctx, grp.UserID)
	if err != nil {
		return fault.Wrap(fault.KindOf(err), "router: agent unavailable", err)
	}

	inv := r.invocation(desc, grp)
	inv.ReadOnly = true
	res, err := ag.Loop.Run(ctx, agent.Task{
		RunID:      grp.ID,
		Prompt:     askPrompt(grp),
		Invocation: inv,
	})
	if err != nil {
		return err
	}

	answer := strings.TrimSpace(res.Answer)
	if answer == "" {
		answer = "I could not find an answer to that in the knowledge base."
	}
	p.finish(ctx, answer, outbound.Options{ParseMode: "Markdown"})
	return nil
}

// runAgent gives the model full tool privileges over the KB. The lock
// spans the entire run: every mutation the agent makes lands inside the
// critical section, and the git sync rides on the same hold.
func (r *Router) runAgent(ctx context.Context, desc kb.Descriptor, grp aggregator.Group, p *progress) error {
	p.start(ctx, "On it...")

	ag, err := r.opts.Agents(ctx, grp.UserID)
	if err != nil {
		return fault.Wrap(fault.KindOf(err), "router: agent unavailable", err)
	}

	inv := r.invocation(desc, grp)
	var res agent.Result
	var syncErr error
	err = r.opts.Locks.WithLock(ctx, desc.ID, "agent run", func(ctx context.Context) error {
		var runErr error
		res, runErr = ag.Loop.Run(ctx, agent.Task{
			RunID:      grp.ID,
			Prompt:     agentPrompt(grp),
			Invocation: inv,
		})
		if runErr != nil {
			return runErr
		}
		if !inv.Changes.Empty() {
			syncErr = r.gitSync(ctx, desc, commitMessage(grp))
		}
		return nil
	})
	if err != nil {
		return err
	}

	reply := strings.TrimSpace(res.Answer)
	if reply == "" {
		reply = "Done."
	}
	if summary := inv.Changes.Summary(); summary != "" {
		reply += "\n\nChanges:\n" + summary
	} else if strings.TrimSpace(res.Answer) == "" {
		reply = "Done (no changes made)."
	}
	if syncErr != nil {
		reply += "\nGit sync failed; changes are saved locally and will sync next time."
	}
	p.finish(ctx, reply, outbound.Options{ParseMode: "Markdown"})
	return nil
}

// commitMessage titles an agent run's commit after its instruction.
func commitMessage(grp aggregator.Group) string {
	for _, text := range grp.Texts() {
		if line, _, _ := strings.Cut(text, "\n"); strings.TrimSpace(line) != "" {
			return "Agent: " + clip(line, 64)
		}
	}
	return "Agent changes"
}

// askPrompt frames the group as a question over the knowledge base.
func askPrompt(grp aggregator.Group) string {
	var b strings.Builder
	b.WriteString("Answer the question below using the knowledge base. ")
	b.WriteString("Search with kb_search_content and kb_search_files, read the relevant notes with kb_read_file, ")
	b.WriteString("and cite the note paths you drew from. ")
	b.WriteString("If the knowledge base does not cover it, say so instead of guessing.\n")
	writeTranscript(&b, grp, "Question")
	return b.String()
}

// agentPrompt hands the group to the agent as a work order.
func agentPrompt(grp aggregator.Group) string {
	var b strings.Builder
	b.WriteString("Carry out the request below against the knowledge base. ")
	b.WriteString("Inspect before you change: list and read the files involved first. ")
	b.WriteString("When you finish, summarize what you did as your final answer.\n")
	writeTranscript(&b, grp, "Request")
	return b.String()
}

func writeTranscript(b *strings.Builder, grp aggregator.Group, label string) {
	fmt.Fprintf(b, "\n%s:\n", label)
	for _, m := range grp.Messages {
		b.WriteString("---\n")
		if m.ForwardFrom != "" {
			fmt.Fprintf(b, "(forwarded from %s)\n", m.ForwardFrom)
		}
		if text := strings.TrimSpace(m.Text); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
		for _, att := range m.Attachments {
			fmt.Fprintf(b, "[attachment: %s %s]\n", att.Kind, att.Name)
		}
	}
}
