// Package dedup decides whether a repeat delay notification may be sent.
package dedup

import (
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Settings are the per-delivery deduplication thresholds.
type Settings struct {
	MinDelayChangeMinutes int
	MinHoursBetween       float64
}

// SettingsFor returns the delivery's settings with defaults applied.
func SettingsFor(d *api.Delivery) Settings {
	if d == nil {
		return Settings{}.withDefaults()
	}
	return Settings{
		MinDelayChangeMinutes: d.MinDelayChangeMinutes,
		MinHoursBetween:       d.MinHoursBetweenNotifications,
	}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.MinDelayChangeMinutes <= 0 {
		s.MinDelayChangeMinutes = api.DefaultMinDelayChangeMinutes
	}
	if s.MinHoursBetween <= 0 {
		s.MinHoursBetween = api.DefaultMinHoursBetweenNotifications
	}
	return s
}

// Rule names the rule that produced a Decision.
type Rule string

const (
	RuleFirstAlert   Rule = "first_alert"
	RuleDelayChanged Rule = "delay_changed"
	RuleTimeElapsed  Rule = "time_elapsed"
	RuleSuppressed   Rule = "suppressed"
)

// Decision is the outcome of ShouldNotify.
type Decision struct {
	Notify bool
	Rule   Rule
}

// ShouldNotify applies the rules in order: no prior notification, material
// delay change, enough time elapsed, otherwise suppress.
func ShouldNotify(currentDelay int, last *api.Notification, settings Settings, now time.Time) Decision {
	settings = settings.withDefaults()

	if last == nil {
		return Decision{Notify: true, Rule: RuleFirstAlert}
	}

	change := currentDelay - last.DelayMinutes
	if change < 0 {
		change = -change
	}
	if change >= settings.MinDelayChangeMinutes {
		return Decision{Notify: true, Rule: RuleDelayChanged}
	}

	if now.Sub(last.SentAt).Hours() >= settings.MinHoursBetween {
		return Decision{Notify: true, Rule: RuleTimeElapsed}
	}

	return Decision{Notify: false, Rule: RuleSuppressed}
}
