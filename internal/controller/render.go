package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/callbacks"
	"github.com/nextlevelbuilder/teleclaw/internal/instances"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
)

const helpText = `Telegram agent controller.

Instance management:
/open <path> [--type T] - spawn (or reuse) an agent for a project directory
/list - pick one of the running instances
/switch [id] - bind this chat or topic to an instance
/current - show the instance this chat is bound to
/close - stop the bound instance and clear the binding
/kill [id] - stop an instance
/restart <id> - restart an instance in place
/status - table of all instances
/threads - topic bindings in this chat

Agent interaction:
/sessions, /session, /delete - manage agent sessions
/models - pick a model from the favourites
/pending - show open permission requests and questions
/health - ping the bound agent
/messages - recent session messages

Anything else you type is forwarded to the bound agent as a prompt.`

func instanceLabel(inst *instances.Instance) string {
	if inst.DisplayName != "" {
		return inst.DisplayName
	}
	return inst.ShortID()
}

// statusTable renders the instance overview as an aligned monospace
// block. Widths are rune-aware so CJK project names keep the columns
// straight.
func statusTable(list []*instances.Instance, now time.Time) string {
	if len(list) == 0 {
		return "No instances. Send /open <path> to spawn one."
	}

	nameW := runewidth.StringWidth("NAME")
	stateW := len("STATE")
	for _, inst := range list {
		if w := runewidth.StringWidth(instanceLabel(inst)); w > nameW {
			nameW = w
		}
		if w := len(string(inst.State)); w > stateW {
			stateW = w
		}
	}

	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%s  %s  %-5s  %-8s  %s\n",
		runewidth.FillRight("NAME", nameW),
		runewidth.FillRight("STATE", stateW),
		"PORT", "UPTIME", "RESTARTS")
	for _, inst := range list {
		uptime := "-"
		if inst.State.Alive() {
			uptime = formatDuration(inst.Uptime(now))
		}
		fmt.Fprintf(&b, "%s  %s  %-5d  %-8s  %d\n",
			runewidth.FillRight(instanceLabel(inst), nameW),
			runewidth.FillRight(string(inst.State), stateW),
			inst.Port, uptime, inst.RestartCount)
	}
	b.WriteString("```")
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func instanceDetail(inst *instances.Instance, sessionID string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* (`%s`)\n", instanceLabel(inst), inst.ShortID())
	fmt.Fprintf(&b, "State: %s\n", inst.State)
	fmt.Fprintf(&b, "Directory: `%s`\n", inst.Directory)
	fmt.Fprintf(&b, "Port: %d\n", inst.Port)
	if inst.State.Alive() {
		fmt.Fprintf(&b, "Uptime: %s\n", formatDuration(inst.Uptime(now)))
	}
	if inst.ProviderID != "" {
		fmt.Fprintf(&b, "Model: %s/%s\n", inst.ProviderID, inst.ModelID)
	}
	if sessionID != "" {
		fmt.Fprintf(&b, "Session: `%s`\n", sessionID)
	}
	if inst.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", inst.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}

// pickKeyboard renders one button per instance that rebinds the caller.
func pickKeyboard(live []*instances.Instance, currentID string) [][]telegram.Button {
	rows := make([][]telegram.Button, 0, len(live))
	for _, inst := range live {
		label := instanceLabel(inst)
		if inst.ID == currentID {
			label = "👉 " + label
		}
		data, err := callbacks.Encode(callbacks.InstancePick{InstanceID: inst.ID})
		if err != nil {
			continue
		}
		rows = append(rows, []telegram.Button{{Text: label, Data: data}})
	}
	return rows
}

// killKeyboard renders one button per instance that stops it.
func killKeyboard(live []*instances.Instance) [][]telegram.Button {
	rows := make([][]telegram.Button, 0, len(live))
	for _, inst := range live {
		data, err := callbacks.Encode(callbacks.InstanceKill{InstanceID: inst.ID})
		if err != nil {
			continue
		}
		rows = append(rows, []telegram.Button{{Text: "🛑 " + instanceLabel(inst), Data: data}})
	}
	return rows
}

// threadPickerKeyboard offers instances for an unbound topic. Instance
// ids travel as short prefixes to stay inside the data budget.
func threadPickerKeyboard(live []*instances.Instance, topicID int) [][]telegram.Button {
	rows := make([][]telegram.Button, 0, len(live))
	for _, inst := range live {
		data, err := callbacks.Encode(callbacks.ThreadInstancePick{TopicID: topicID, IDPrefix: inst.ShortID()})
		if err != nil {
			continue
		}
		rows = append(rows, []telegram.Button{{Text: instanceLabel(inst), Data: data}})
	}
	return rows
}

// sessionKeyboard renders one button per agent session. When forDelete
// is set the buttons delete instead of switching.
func sessionKeyboard(sessions []agentapi.Session, currentID string, forDelete bool) [][]telegram.Button {
	rows := make([][]telegram.Button, 0, len(sessions))
	for _, ses := range sessions {
		label := ses.Title
		if label == "" {
			label = ses.ID
		}
		var action callbacks.Action
		if forDelete {
			label = "🗑 " + label
			action = callbacks.SessionDelete{SessionID: ses.ID}
		} else {
			if ses.ID == currentID {
				label = "👉 " + label
			}
			action = callbacks.SessionPick{SessionID: ses.ID}
		}
		data, err := callbacks.Encode(action)
		if err != nil {
			continue
		}
		rows = append(rows, []telegram.Button{{Text: label, Data: data}})
	}
	return rows
}
