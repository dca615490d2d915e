package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is an outbound request without its line terminator.
type Command string

// Query commands understood by the firmware.
const (
	CmdVersion     Command = "v"
	CmdAccel       Command = "a"
	CmdRange       Command = "r"
	CmdHome        Command = "h"
	CmdEligibility Command = "e"
	CmdTackled     Command = "t"
)

// ErrInvalidColor is returned for LED components outside 0-255 or a hex
// color that does not parse.
var ErrInvalidColor = errors.New("protocol: invalid LED color")

// Encode returns the command as it goes on the wire.
func (c Command) Encode() []byte {
	return []byte(string(c) + "\n")
}

// LEDCommand builds "l:R,G,B".
func LEDCommand(r, g, b int) (Command, error) {
	for _, v := range []int{r, g, b} {
		if v < 0 || v > 255 {
			return "", fmt.Errorf("%w: component %d out of range 0-255", ErrInvalidColor, v)
		}
	}
	return Command(fmt.Sprintf("l:%d,%d,%d", r, g, b)), nil
}

// ParseHexColor converts "#rrggbb" (leading # optional, any case) into its
// components.
func ParseHexColor(hex string) (r, g, b int, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidColor, hex)
	}
	return int(v >> 16 & 0xFF), int(v >> 8 & 0xFF), int(v & 0xFF), nil
}
