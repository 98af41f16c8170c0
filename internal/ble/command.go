package ble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/lumid/internal/notify"
)

// Command is an indicator state. The peripheral decodes the byte value, so
// the numbering is a wire contract and must not change.
type Command uint8

const (
	CommandOff         Command = 0 // indicator off
	CommandWater       Command = 1 // blue: drink water
	CommandBalanced    Command = 2 // green: balanced meal
	CommandUnbalanced  Command = 3 // orange: unbalanced meal or meal due
	CommandGreatFinish Command = 4 // yellow: day finished at >= 80%
	CommandBadFinish   Command = 5 // blinking orange: day finished below 80%
)

var commandNames = [...]string{"OFF", "WATER", "BALANCED", "UNBALANCED", "GREAT_FINISH", "BAD_FINISH"}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "Command(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is one of the six defined commands.
func (c Command) Valid() bool { return int(c) < len(commandNames) }

// Payload is the wire encoding: exactly one byte.
func (c Command) Payload() []byte { return []byte{byte(c)} }

// ParseCommand accepts a command name (case-insensitive) or its numeric value.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(commandNames) {
			return 0, fmt.Errorf("ble: command %d out of range", n)
		}
		return Command(n), nil
	}
	up := strings.ToUpper(s)
	for i, name := range commandNames {
		if name == up {
			return Command(i), nil
		}
	}
	return 0, fmt.Errorf("ble: unknown command %q", s)
}

func (c Command) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("ble: invalid command %d", c)
	}
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(text []byte) error {
	v, err := ParseCommand(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Notification is the user alert shown after c reaches the device.
func (c Command) Notification() notify.Notification {
	switch c {
	case CommandOff:
		return notify.Notification{Title: "Lumi off", Body: "Your Lumi was turned off.", Tag: "bluetooth-command"}
	case CommandWater:
		return notify.Notification{
			Title: "Time to hydrate",
			Body:  "Your Lumi says you need water. Tap to see the reminder.",
			Tag:   "hydration-alert",
			Link:  "/hydration",
		}
	case CommandBalanced:
		return notify.Notification{Title: "Balanced nutrition", Body: "Your Lumi shows a balanced nutrition state.", Tag: "bluetooth-command"}
	case CommandUnbalanced:
		return notify.Notification{Title: "Unbalanced nutrition", Body: "Your Lumi says your last meal was not balanced.", Tag: "bluetooth-command"}
	case CommandGreatFinish:
		return notify.Notification{Title: "Great job!", Body: "You finished the day on track. Keep it up.", Tag: "bluetooth-command"}
	case CommandBadFinish:
		return notify.Notification{Title: "Day incomplete", Body: "Your Lumi marked a weak finish. Try to do better tomorrow.", Tag: "bluetooth-command"}
	}
	return notify.Notification{Title: "Command sent", Body: "Sent command " + c.String(), Tag: "bluetooth-command"}
}
