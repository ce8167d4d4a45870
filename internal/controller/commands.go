package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/projectname"
)

// Command is one controller-scope slash command.
type Command string

const (
	CmdOpen    Command = "open"
	CmdList    Command = "list"
	CmdSwitch  Command = "switch"
	CmdCurrent Command = "current"
	CmdClose   Command = "close"
	CmdKill    Command = "kill"
	CmdRestart Command = "restart"
	CmdStatus  Command = "status"
	CmdThreads Command = "threads"
	CmdHelp    Command = "help"
)

type commandFunc func(c *Controller, ctx context.Context, req *request, args string)

// commandTable is the closed dispatch table for controller commands.
var commandTable = map[Command]commandFunc{
	CmdOpen:    (*Controller).cmdOpen,
	CmdList:    (*Controller).cmdList,
	CmdSwitch:  (*Controller).cmdSwitch,
	CmdCurrent: (*Controller).cmdCurrent,
	CmdClose:   (*Controller).cmdClose,
	CmdKill:    (*Controller).cmdKill,
	CmdRestart: (*Controller).cmdRestart,
	CmdStatus:  (*Controller).cmdStatus,
	CmdThreads: (*Controller).cmdThreads,
	CmdHelp:    (*Controller).cmdHelp,
}

var commandAliases = map[Command]Command{
	"projects":  CmdList,
	"instances": CmdList,
}

// instanceScope lists agent-facing commands that need a bound instance.
// A few have first-class handlers; the rest travel to the agent as
// prompts and are interpreted in-session.
var instanceScope = map[string]bool{
	"sessions": true, "session": true, "models": true, "agents": true,
	"config": true, "files": true, "read": true, "find": true,
	"prompt": true, "shell": true, "diff": true, "todo": true,
	"fork": true, "abort": true, "delete": true, "share": true,
	"unshare": true, "revert": true, "unrevert": true, "summarize": true,
	"info": true, "messages": true, "init": true, "pending": true,
	"health": true, "vcs": true, "lsp": true, "formatter": true,
	"mcp": true, "dispose": true, "commands": true, "directory": true,
	"project": true,
}

// splitCommand extracts the command name and arguments. A @BotName
// suffix is stripped the way group chats append it.
func splitCommand(text string) (name, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head := text
	if i := strings.IndexByte(text, ' '); i >= 0 {
		head, args = text[:i], strings.TrimSpace(text[i+1:])
	}
	name = strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), args
}

// dispatchCommand routes a slash command. It reports false when the text
// should fall through and be forwarded as a plain prompt.
func (c *Controller) dispatchCommand(ctx context.Context, req *request, text string) bool {
	name, args := splitCommand(text)
	if name == "" {
		return false
	}
	cmd := Command(name)
	if target, ok := commandAliases[cmd]; ok {
		cmd = target
	}
	if handler, ok := commandTable[cmd]; ok {
		c.spawnTask(func() { handler(c, ctx, req, args) })
		return true
	}
	if instanceScope[name] {
		c.spawnTask(func() { c.instanceCommand(ctx, req, name, args, text) })
		return true
	}
	return false
}

func (c *Controller) cmdOpen(ctx context.Context, req *request, args string) {
	path, agentType, err := parseOpenArgs(args)
	if err != nil {
		c.reply(ctx, req, err.Error())
		return
	}

	dir, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Cannot resolve path %q: %v", path, err))
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Cannot open `%s`: %v", dir, err))
		return
	}
	if !info.IsDir() {
		c.reply(ctx, req, fmt.Sprintf("`%s` is not a directory.", dir))
		return
	}

	display := projectname.Derive(dir)
	if _, exists := c.mgr.FindByDirectory(dir); !exists {
		c.reply(ctx, req, fmt.Sprintf("⏳ Starting agent for *%s*…", display))
	}

	if agentType == "" {
		agentType = c.cfg.Agent.Type
	}
	inst, err := c.mgr.Spawn(ctx, instances.SpawnRequest{
		Directory:   dir,
		DisplayName: display,
		Type:        agentType,
		ProviderID:  c.cfg.Defaults.Provider,
		ModelID:     c.cfg.Defaults.Model,
	})
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Failed to start agent: %v", err))
		return
	}

	// The first instance opened from a bare chat becomes the fallback for
	// chats that never bind one explicitly.
	if req.topicID == 0 && c.router.DefaultInstance() == "" {
		c.router.SetDefault(inst.ID)
	}
	c.bindInstance(ctx, req, inst, true)
	c.reply(ctx, req, fmt.Sprintf("🟢 *%s* (`%s`) on port %d, state %s.",
		instanceLabel(inst), inst.ShortID(), inst.Port, inst.State))
}

func parseOpenArgs(args string) (path, agentType string, err error) {
	const usage = "Usage: /open <path> [--type T]"
	tokens := strings.Fields(args)
	var free []string
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "--type", "-t":
			if i+1 >= len(tokens) {
				return "", "", fmt.Errorf("%s", usage)
			}
			i++
			agentType = tokens[i]
		default:
			free = append(free, tokens[i])
		}
	}
	if len(free) == 0 {
		return "", "", fmt.Errorf("%s", usage)
	}
	// Unquoted paths with spaces arrive as several tokens.
	return strings.Join(free, " "), agentType, nil
}

// bindInstance points the calling context at an instance. For topics the
// binding is durable; rename refreshes the topic title to the project.
func (c *Controller) bindInstance(ctx context.Context, req *request, inst *instances.Instance, rename bool) {
	c.router.SetCurrent(req.chatID, req.topicID, inst.ID)
	if req.topicID > 0 {
		c.router.BindTopic(req.chatID, req.topicID, inst.ID)
		if rename && c.router.IsForum(req.chatID) {
			if err := c.tg.EditForumTopic(ctx, req.chatID, req.topicID, instanceLabel(inst)); err != nil {
				// Renaming needs admin rights; the binding itself stands.
				slog.Debug("command.topic_rename_failed", "chat", req.chatID, "topic", req.topicID, "error", err)
			}
		}
	}
	if err := c.router.Save(); err != nil {
		slog.Warn("command.router_save_failed", "error", err)
	}
}

func (c *Controller) cmdList(ctx context.Context, req *request, _ string) {
	c.mgr.Reconcile(ctx)
	live := c.mgr.Live()
	if len(live) == 0 {
		c.reply(ctx, req, "No running instances. Send /open <path> to spawn one.")
		return
	}
	currentID, _ := c.router.Resolve(req.chatID, req.topicID)
	c.replyKeyboard(ctx, req, "Select an instance:", pickKeyboard(live, currentID))
}

func (c *Controller) cmdSwitch(ctx context.Context, req *request, args string) {
	if args == "" {
		c.cmdList(ctx, req, "")
		return
	}
	inst, ok := c.mgr.FindByPrefix(strings.TrimSpace(args))
	if !ok {
		c.reply(ctx, req, fmt.Sprintf("No instance matching `%s`. Try /list.", args))
		return
	}
	c.bindInstance(ctx, req, inst, false)
	c.reply(ctx, req, fmt.Sprintf("Now talking to *%s* (`%s`).", instanceLabel(inst), inst.ShortID()))
}

func (c *Controller) cmdCurrent(ctx context.Context, req *request, _ string) {
	instID, ok := c.router.Resolve(req.chatID, req.topicID)
	if !ok {
		c.reply(ctx, req, "No instance bound here. Use /open <path> or /list.")
		return
	}
	inst, ok := c.mgr.Get(instID)
	if !ok {
		c.reply(ctx, req, "The bound instance is gone. Use /list to pick another.")
		return
	}
	sessionID, _ := c.router.SessionFor(req.chatID, req.topicID, instID)
	c.reply(ctx, req, instanceDetail(inst, sessionID, time.Now()))
}

func (c *Controller) cmdClose(ctx context.Context, req *request, _ string) {
	instID, ok := c.router.Resolve(req.chatID, req.topicID)
	if !ok {
		c.reply(ctx, req, "Nothing bound here.")
		return
	}
	inst, _ := c.mgr.Get(instID)
	if err := c.mgr.Stop(instID); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Stop failed: %v", err))
		return
	}
	c.router.ClearContext(req.chatID, req.topicID)
	if err := c.router.Save(); err != nil {
		slog.Warn("command.router_save_failed", "error", err)
	}
	name := instID
	if inst != nil {
		name = instanceLabel(inst)
	}
	c.reply(ctx, req, fmt.Sprintf("Stopped *%s* and cleared the binding.", name))
}

func (c *Controller) cmdKill(ctx context.Context, req *request, args string) {
	if args == "" {
		live := c.mgr.Live()
		if len(live) == 0 {
			c.reply(ctx, req, "Nothing is running.")
			return
		}
		c.replyKeyboard(ctx, req, "Pick an instance to stop:", killKeyboard(live))
		return
	}
	inst, ok := c.mgr.FindByPrefix(strings.TrimSpace(args))
	if !ok {
		c.reply(ctx, req, fmt.Sprintf("No instance matching `%s`.", args))
		return
	}
	if err := c.mgr.Stop(inst.ID); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Stop failed: %v", err))
		return
	}
	c.router.RemoveInstanceReferences(inst.ID)
	if err := c.router.Save(); err != nil {
		slog.Warn("command.router_save_failed", "error", err)
	}
	c.reply(ctx, req, fmt.Sprintf("Stopped *%s*.", instanceLabel(inst)))
}

func (c *Controller) cmdRestart(ctx context.Context, req *request, args string) {
	if args == "" {
		c.reply(ctx, req, "Usage: /restart <id>")
		return
	}
	inst, ok := c.mgr.FindByPrefix(strings.TrimSpace(args))
	if !ok {
		c.reply(ctx, req, fmt.Sprintf("No instance matching `%s`.", args))
		return
	}
	c.reply(ctx, req, fmt.Sprintf("⏳ Restarting *%s*…", instanceLabel(inst)))
	restarted, err := c.mgr.Restart(ctx, inst.ID)
	if err != nil {
		c.reply(ctx, req, fmt.Sprintf("Restart failed: %v", err))
		return
	}
	c.reply(ctx, req, fmt.Sprintf("🟢 *%s* is back, state %s (restart #%d).",
		instanceLabel(restarted), restarted.State, restarted.RestartCount))
}

func (c *Controller) cmdStatus(ctx context.Context, req *request, _ string) {
	c.reply(ctx, req, statusTable(c.mgr.List(), time.Now()))
}

func (c *Controller) cmdThreads(ctx context.Context, req *request, _ string) {
	bindings := c.router.TopicBindings(req.chatID)
	if len(bindings) == 0 {
		c.reply(ctx, req, "No topic bindings in this chat.")
		return
	}

	topics := make([]int, 0, len(bindings))
	for topic := range bindings {
		topics = append(topics, topic)
	}
	sort.Ints(topics)

	var b strings.Builder
	b.WriteString("Topic bindings:\n")
	for _, topic := range topics {
		name := bindings[topic]
		if inst, ok := c.mgr.Get(name); ok {
			name = fmt.Sprintf("%s (%s)", instanceLabel(inst), inst.State)
		}
		marker := "  "
		if topic == req.topicID {
			marker = "👉 "
		}
		fmt.Fprintf(&b, "%s#%d → %s\n", marker, topic, name)
	}
	c.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (c *Controller) cmdHelp(ctx context.Context, req *request, _ string) {
	c.reply(ctx, req, helpText)
}
