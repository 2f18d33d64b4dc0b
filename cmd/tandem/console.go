package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/casualjim/tandem"
	"github.com/fatih/color"
)

// console prints what the members observe, one line per event.
type console struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func newConsole(w io.Writer) *console {
	return &console{w: w, now: time.Now}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s "+format+"\n", append([]any{c.now().Format("15:04:05.000")}, args...)...)
}

func (c *console) delivered(member string, leading bool, msg tandem.Message) {
	role := color.YellowString("follower")
	if leading {
		role = color.GreenString("leader")
	}
	c.printf("%s %s %s %s", color.MagentaString(short(member)), role, color.CyanString(msg.Topic), msg.Text())
}

func (c *console) leadership(l tandem.Leadership) {
	leader := "none"
	if l.HasLeader() {
		leader = short(l.Leader)
	}
	state := l.State.String()
	if l.IsLeader() {
		state = color.GreenString(state)
	}
	c.printf("%s %s %s leader=%s", color.MagentaString(short(l.Self)), color.CyanString(l.Topic), state, leader)
}

func (c *console) status(s tandem.Status) {
	text := s.String()
	switch s {
	case tandem.Connected:
		text = color.GreenString(text)
	case tandem.Disconnected:
		text = color.RedString(text)
	default:
		text = color.YellowString(text)
	}
	c.printf("connection %s", text)
}

func (c *console) failure(err error) {
	c.printf("%s %v", color.RedString("error"), err)
}

// short trims UUID identities to their random tail, which is what tells
// members apart in the output.
func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
