package router

import (
	"strings"

	"quotebot/pkg/tgui"
)

// HelpHTML renders the command list, or the details of one command when
// topic names it. The result is meant for ParseMode="HTML".
func (r *Router) HelpHTML(owner bool, topic string) string {
	topic = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "/")
	if topic != "" {
		r.mu.RLock()
		c := r.cmds[topic]
		r.mu.RUnlock()
		if c == nil || (c.Access == AccessOwnerOnly && !owner) {
			return string(tgui.JoinH("\n",
				tgui.B("Unknown command"),
				tgui.Raw("Send <code>/help</code> to see the list."),
			))
		}
		return helpCommandHTML(*c)
	}

	lines := []string{
		string(tgui.B("Commands")),
		"Send <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	var ownerOnly []string
	for _, c := range r.Commands(owner) {
		line := tgui.Esc("/" + c.Name)
		if c.Description != "" {
			line = tgui.JoinH(" - ", line, tgui.Esc(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			ownerOnly = append(ownerOnly, string(line))
			continue
		}
		lines = append(lines, string(line))
	}
	if len(ownerOnly) > 0 {
		lines = append(lines, "", string(tgui.B("Owner")))
		lines = append(lines, ownerOnly...)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []tgui.H{tgui.B("/" + c.Name)}
	if c.Description != "" {
		lines = append(lines, tgui.Esc(c.Description))
	}
	usage := c.Usage
	if usage == "" {
		usage = "/" + c.Name
	}
	lines = append(lines, tgui.JoinH(" ", tgui.Raw("Usage:"), tgui.Code(usage)))
	if len(c.Aliases) > 0 {
		as := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			as = append(as, "/"+a)
		}
		lines = append(lines, tgui.JoinH(" ", tgui.Raw("Aliases:"), tgui.Esc(strings.Join(as, ", "))))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, tgui.I("Owner only."))
	}
	return string(tgui.JoinH("\n", lines...))
}
