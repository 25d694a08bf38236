package stream

// Wire types for the per-language streaming endpoint. The server message
// schema is an external, versioned contract: token fields are optional and
// partially populated depending on server state, so everything is decoded
// leniently and validated at use sites rather than trusted for presence.

// handshake is the one-time configuration message sent as the first text
// frame on a connection, before any audio bytes.
type handshake struct {
	Model           string          `json:"model"`
	LanguageHints   []string        `json:"language_hints"`
	IncludeNonfinal bool            `json:"include_nonfinal"`
	AudioFormat     string          `json:"audio_format"`
	SampleRate      int             `json:"sample_rate"`
	NumChannels     int             `json:"num_channels"`
	Translation     translationSpec `json:"translation"`
}

// translationSpec selects one-way translation into a single target language.
type translationSpec struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// finishRequest asks the server to flush pending audio and complete the
// stream gracefully.
type finishRequest struct {
	Finish bool `json:"finish"`
}

// serverToken is a single recognition token. TranslationStatus partitions
// tokens into source ("original" or empty) and translated ("translation")
// text; StartMs/DurationMs are present only on tokens carrying timing.
type serverToken struct {
	Text              string `json:"text"`
	TranslationStatus string `json:"translation_status,omitempty"`
	StartMs           *int64 `json:"start_ms,omitempty"`
	DurationMs        *int64 `json:"duration_ms,omitempty"`
}

// translated reports whether this token belongs to the translated partition.
func (t serverToken) translated() bool {
	return t.TranslationStatus == "translation"
}

// serverMessage is one inbound websocket text message.
type serverMessage struct {
	Tokens       []serverToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}
