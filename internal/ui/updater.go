// Package ui renders connection status changes and bot events on a console.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/dispatcher"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/pkg/botstream"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// eventTopics are the dispatched message types the updater prints
var eventTopics = []common.MessageType{
	common.TypeConnectionEstablished,
	common.TypeSpreadUpdate,
	common.TypeOrderUpdate,
	common.TypePositionUpdate,
	common.TypeStatusUpdate,
}

// UIUpdater handles updating the console based on received events
type UIUpdater struct {
	eventBus  events.Bus[dispatcher.Event]
	statusBus events.Bus[registry.Record]
	out       io.Writer
	color     bool
	logger    *logrus.Entry

	mutex      sync.Mutex
	lastStatus string
	done       chan struct{}
}

type Option func(*UIUpdater)

// WithOutput replaces os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(u *UIUpdater) {
		u.out = w
	}
}

// WithColor paints status lines with the registry status color.
func WithColor(enabled bool) Option {
	return func(u *UIUpdater) {
		u.color = enabled
	}
}

// NewUIUpdater creates a new UI updater. Either bus may be nil.
func NewUIUpdater(eventBus events.Bus[dispatcher.Event], statusBus events.Bus[registry.Record], opts ...Option) *UIUpdater {
	u := &UIUpdater{
		eventBus:  eventBus,
		statusBus: statusBus,
		out:       os.Stdout,
		logger:    logrus.WithField("component", "ui_updater"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start begins listening for events to update the UI
func (u *UIUpdater) Start(ctx context.Context) {
	var statuses <-chan registry.Record
	if u.statusBus != nil {
		statuses = u.statusBus.Subscribe(common.TopicConnectionStatus)
	}

	// one merged channel keeps output ordered per source
	merged := make(chan dispatcher.Event, 64)
	var wg sync.WaitGroup
	if u.eventBus != nil {
		for _, t := range eventTopics {
			ch := u.eventBus.Subscribe(t.Topic())
			wg.Add(1)
			go func(topic string, ch <-chan dispatcher.Event) {
				defer wg.Done()
				defer u.eventBus.Unsubscribe(topic, ch)
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-ch:
						if !ok {
							return
						}
						select {
						case merged <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}(t.Topic(), ch)
		}
	}

	go func() {
		defer close(u.done)
		defer wg.Wait()
		for {
			select {
			case <-ctx.Done():
				if statuses != nil {
					u.statusBus.Unsubscribe(common.TopicConnectionStatus, statuses)
				}
				return
			case rec, ok := <-statuses:
				if !ok {
					statuses = nil
					continue
				}
				u.updateStatusDisplay(rec)
			case ev := <-merged:
				u.updateEventDisplay(ev)
			}
		}
	}()
}

func (u *UIUpdater) Done() <-chan struct{} {
	return u.done
}

// updateStatusDisplay prints the registry status when its text changes
func (u *UIUpdater) updateStatusDisplay(rec registry.Record) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	line := fmt.Sprintf("● %s", rec.StatusText())
	if len(rec.ConnectedBotIDs) > 0 {
		ids := make([]string, len(rec.ConnectedBotIDs))
		for i, id := range rec.ConnectedBotIDs {
			ids[i] = strconv.Itoa(id)
		}
		line += fmt.Sprintf(" [bots: %s]", strings.Join(ids, ", "))
	}
	if rec.Error != "" {
		line += ": " + rec.Error
	}
	if line == u.lastStatus {
		return
	}
	u.lastStatus = line

	if u.color {
		line = paint(rec.StatusColor(), line)
	}
	fmt.Fprintln(u.out, line)
}

// updateEventDisplay prints a decoded bot event
func (u *UIUpdater) updateEventDisplay(ev dispatcher.Event) {
	text, err := render(ev)
	if err != nil {
		u.logger.WithError(err).WithField("type", ev.Type).Debug("Cannot render event")
		return
	}

	u.mutex.Lock()
	defer u.mutex.Unlock()
	fmt.Fprintln(u.out, strings.TrimRight(text, "\n"))
}

func render(ev dispatcher.Event) (string, error) {
	switch ev.Type {
	case common.TypeConnectionEstablished:
		ce, err := botstream.Decode[botstream.ConnectionEstablished](ev.Data)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Subscribed to %s (bot %d, %s)", ce.BotName, ce.BotID, ce.Status), nil
	case common.TypeSpreadUpdate:
		s, err := botstream.Decode[botstream.SpreadUpdate](ev.Data)
		if err != nil {
			return "", err
		}
		return s.PrettyPrint(), nil
	case common.TypeOrderUpdate:
		o, err := botstream.Decode[botstream.OrderUpdate](ev.Data)
		if err != nil {
			return "", err
		}
		return o.PrettyPrint(), nil
	case common.TypePositionUpdate:
		p, err := botstream.Decode[botstream.PositionUpdate](ev.Data)
		if err != nil {
			return "", err
		}
		return p.PrettyPrint(), nil
	case common.TypeStatusUpdate:
		s, err := botstream.Decode[botstream.StatusUpdate](ev.Data)
		if err != nil {
			return "", err
		}
		return s.PrettyPrint(), nil
	}
	return "", fmt.Errorf("no renderer for %q", ev.Type)
}

// paint renders s in the #RRGGBB color. WithColor(true) forces color even
// when the output is not a terminal.
func paint(hex, s string) string {
	if len(hex) != 7 || hex[0] != '#' {
		return s
	}
	rgb, err := strconv.ParseUint(hex[1:], 16, 32)
	if err != nil {
		return s
	}
	c := color.RGB(int(rgb>>16), int((rgb>>8)&0xff), int(rgb&0xff))
	c.EnableColor()
	return c.Sprint(s)
}
