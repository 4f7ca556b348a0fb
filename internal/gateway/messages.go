package gateway

// Client messages are JSON objects routed by an action field.
const actionSendAudio = "sendAudio"

type clientMessage struct {
	Action string `json:"action"`
	// Audio is a base64-encoded chunk, present for sendAudio.
	Audio string `json:"audio,omitempty"`
}

// connectedEvent is the first frame sent after a successful upgrade.
type connectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type transcriptEvent struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

type voiceActivityEvent struct {
	VoiceActivity bool `json:"voiceActivity"`
}

type errorEvent struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// invalidActionEvent is the reply to an unrecognized action. Its shape
// is flat, unlike errorEvent, and clients match on it verbatim.
type invalidActionEvent struct {
	Error string `json:"error"`
}
