package entrance

// ParseCommand decodes a downlink payload. Byte 0 is the command code;
// trailing bytes are ignored. Empty payloads and unknown codes report false.
func ParseCommand(payload []byte) (Command, bool) {
	if len(payload) < 1 {
		return 0, false
	}
	cmd := Command(payload[0])
	if !cmd.valid() {
		return 0, false
	}
	return cmd, true
}

// EncodeStatus returns the one-byte uplink payload for s.
func EncodeStatus(s State) []byte {
	return []byte{byte(s)}
}

// ParseCommandName maps a human command name (as used by buttons and the
// HTTP API) to a Command.
func ParseCommandName(name string) (Command, bool) {
	switch name {
	case "toggle", "TOGGLE":
		return CmdToggle, true
	case "close", "CLOSE":
		return CmdClose, true
	case "open", "momentary_open", "MOMENTARY_OPEN":
		return CmdMomentaryOpen, true
	case "hold", "hold_open", "HOLD_OPEN":
		return CmdHoldOpen, true
	}
	return 0, false
}
