package handles

import (
	"encoding/json"

	"toolbridge/internal/config"
)

// Effect describes what a method does to server-side handles. The mapping
// is a static table: no result shapes are inspected at runtime to guess
// whether a handle was allocated.
type Effect int

const (
	EffectNone Effect = iota
	// EffectProduces marks methods whose result carries a new handle_id.
	EffectProduces
	// EffectReleases marks methods whose params name a handle to release.
	EffectReleases
	// EffectTouches marks methods whose params name a handle they use.
	EffectTouches
)

// Table maps method names to their handle effect.
type Table map[string]Effect

// TableFromConfig builds the static method table from the configured lists.
// The release method itself always releases.
func TableFromConfig(res config.Resources) Table {
	t := make(Table)
	for _, m := range res.TouchingMethods {
		t[m] = EffectTouches
	}
	for _, m := range res.ProducingMethods {
		t[m] = EffectProduces
	}
	for _, m := range res.ReleasingMethods {
		t[m] = EffectReleases
	}
	if res.ReleaseMethod != "" {
		t[res.ReleaseMethod] = EffectReleases
	}
	return t
}

// Effect looks a method up in the table.
func (t Table) Effect(method string) Effect {
	if t == nil {
		return EffectNone
	}
	return t[method]
}

// handleID is the field both producing results and releasing/touching
// params carry.
type handleEnvelope struct {
	HandleID string `json:"handle_id"`
	Kind     string `json:"kind,omitempty"`
}

// ExtractHandleID pulls the handle_id field out of a result or params
// payload. The second return is false when no handle id is present.
func ExtractHandleID(raw json.RawMessage) (string, string, bool) {
	if len(raw) == 0 {
		return "", "", false
	}
	var env handleEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.HandleID == "" {
		return "", "", false
	}
	return env.HandleID, env.Kind, true
}

// ReleaseParams builds the params payload for a release call.
func ReleaseParams(handleID string) json.RawMessage {
	raw, _ := json.Marshal(handleEnvelope{HandleID: handleID})
	return raw
}
