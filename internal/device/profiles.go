package device

import (
	"fmt"
	"sort"
	"time"

	"github.com/xkilldash9x/autoreg/internal/browser"
)

// Profile is a named device. Profiles are immutable values.
type Profile struct {
	Name      string
	Emulation browser.Emulation
	// SettleDelay is the pause after every primitive, covering re-layout and animation.
	SettleDelay time.Duration
	// TypingSpeed scales the typing cadence (1.0 nominal, larger is slower).
	TypingSpeed float64
}

// Touch reports whether the profile activates elements with taps.
func (p Profile) Touch() bool { return p.Emulation.Touch }

const (
	DesktopChrome  = "desktop-chrome"
	DesktopFirefox = "desktop-firefox"
	IPhone15       = "iphone-15"
	Pixel8         = "pixel-8"
	IPadAir        = "ipad-air"
)

var profiles = map[string]Profile{
	DesktopChrome: {
		Name: DesktopChrome,
		Emulation: browser.Emulation{
			Width: 1920, Height: 1080, DeviceScaleFactor: 1,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			Platform:       "Win32",
			AcceptLanguage: "en-US,en;q=0.9",
			Locale:         "en-US",
			Timezone:       "America/New_York",
		},
		SettleDelay: 150 * time.Millisecond,
		TypingSpeed: 1.0,
	},
	DesktopFirefox: {
		Name: DesktopFirefox,
		Emulation: browser.Emulation{
			Width: 1440, Height: 900, DeviceScaleFactor: 2,
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14.5; rv:127.0) Gecko/20100101 Firefox/127.0",
			Platform:       "MacIntel",
			AcceptLanguage: "en-US,en;q=0.5",
			Locale:         "en-US",
			Timezone:       "America/Los_Angeles",
		},
		SettleDelay: 150 * time.Millisecond,
		TypingSpeed: 1.0,
	},
	IPhone15: {
		Name: IPhone15,
		Emulation: browser.Emulation{
			Width: 393, Height: 852, DeviceScaleFactor: 3, Mobile: true, Touch: true,
			UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
			Platform:       "iPhone",
			AcceptLanguage: "en-US,en;q=0.9",
			Locale:         "en-US",
			Timezone:       "America/Chicago",
		},
		SettleDelay: 400 * time.Millisecond,
		TypingSpeed: 1.4,
	},
	Pixel8: {
		Name: Pixel8,
		Emulation: browser.Emulation{
			Width: 412, Height: 915, DeviceScaleFactor: 2.625, Mobile: true, Touch: true,
			UserAgent:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36",
			Platform:       "Linux armv81",
			AcceptLanguage: "en-US,en;q=0.9",
			Locale:         "en-US",
			Timezone:       "America/Denver",
		},
		SettleDelay: 400 * time.Millisecond,
		TypingSpeed: 1.4,
	},
	IPadAir: {
		Name: IPadAir,
		Emulation: browser.Emulation{
			Width: 820, Height: 1180, DeviceScaleFactor: 2, Mobile: true, Touch: true,
			UserAgent:      "Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
			Platform:       "iPad",
			AcceptLanguage: "en-US,en;q=0.9",
			Locale:         "en-US",
			Timezone:       "America/New_York",
		},
		SettleDelay: 300 * time.Millisecond,
		TypingSpeed: 1.2,
	},
}

// Lookup returns the built-in profile called name.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown device profile %q (available: %v)", name, Names())
	}
	return p, nil
}

// Names lists the built-in profiles in alphabetical order.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every built-in profile, ordered by name.
func All() []Profile {
	names := Names()
	out := make([]Profile, 0, len(names))
	for _, n := range names {
		out = append(out, profiles[n])
	}
	return out
}
