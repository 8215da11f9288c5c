package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged is set when the agent persona changed. Applies to
	// the next generation; in-flight responses keep the old prompt.
	SystemPromptChanged bool

	// VoiceChanged is set when the TTS voice selection changed.
	VoiceChanged bool

	// TurnTuningChanged is set when any turn-taking threshold changed
	// (silence window, debounce, completeness, semantic detector, dedup).
	TurnTuningChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged || d.TurnTuningChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: provider
// selection, server address, and history storage all require a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Agent persona and voice
	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Agent.Voice != new.Agent.Voice {
		d.VoiceChanged = true
	}

	// Turn-taking thresholds
	if turnTuningDiffers(old.Turn, new.Turn) {
		d.TurnTuningChanged = true
	}

	return d
}

// turnTuningDiffers compares the turn blocks field by field. TurnConfig holds
// slices, so it is not directly comparable.
func turnTuningDiffers(old, new TurnConfig) bool {
	switch {
	case old.Language != new.Language,
		old.SilenceMS != new.SilenceMS,
		old.DebounceMS != new.DebounceMS,
		old.MinChars != new.MinChars,
		old.MinWords != new.MinWords,
		old.Relaxed != new.Relaxed,
		old.SemanticThreshold != new.SemanticThreshold,
		old.SemanticHistoryTurns != new.SemanticHistoryTurns,
		old.DedupMS != new.DedupMS,
		old.SpeakerFiltering != new.SpeakerFiltering:
		return true
	}
	if !slices.Equal(old.AllowedSpeakers, new.AllowedSpeakers) {
		return true
	}
	return !slices.Equal(old.FragmentWords, new.FragmentWords)
}
