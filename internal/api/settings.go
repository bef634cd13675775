package api

import (
	"fmt"

	"streamglass/internal/storage"
)

var allowedThemes = map[string]struct{}{
	"dark":  {},
	"light": {},
	"neon":  {},
}

// settingsPayload mirrors storage.Settings with request validation attached.
type settingsPayload struct {
	Theme         string `json:"theme"`
	ShowFollows   bool   `json:"showFollows"`
	ShowSubs      bool   `json:"showSubs"`
	ShowCheers    bool   `json:"showCheers"`
	MinCheerBits  int64  `json:"minCheerBits"`
	AlertDuration int    `json:"alertDurationSeconds"`
}

func (p settingsPayload) validate() error {
	if _, ok := allowedThemes[p.Theme]; !ok {
		return fmt.Errorf("unknown theme %q", p.Theme)
	}
	if p.MinCheerBits < 0 {
		return fmt.Errorf("minCheerBits must not be negative")
	}
	if p.AlertDuration < 1 || p.AlertDuration > 60 {
		return fmt.Errorf("alertDurationSeconds must be between 1 and 60")
	}
	return nil
}

func (p settingsPayload) toSettings() storage.Settings {
	return storage.Settings{
		Theme:         p.Theme,
		ShowFollows:   p.ShowFollows,
		ShowSubs:      p.ShowSubs,
		ShowCheers:    p.ShowCheers,
		MinCheerBits:  p.MinCheerBits,
		AlertDuration: p.AlertDuration,
	}
}
