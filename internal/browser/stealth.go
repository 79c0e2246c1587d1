package browser

import _ "embed"

// evasionsJS hides the automation markers the widget inspects. It runs in
// every new document of a session before page scripts.
//
//go:embed stealth.js
var evasionsJS string

// launchArgs are shared by both drivers.
var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--mute-audio",
}
