// Package countries resolves a phone number's dialing prefix to a display
// name for the device list.
package countries

import "strings"

var dialingPrefixes = map[string]string{
	"1":  "US/Canada",
	"44": "UK",
	"33": "France",
	"49": "Germany",
	"39": "Italy",
	"34": "Spain",
	"7":  "Russia",
	"81": "Japan",
	"82": "South Korea",
	"86": "China",
	"91": "India",
	"62": "Indonesia",
	"60": "Malaysia",
	"63": "Philippines",
	"66": "Thailand",
	"84": "Vietnam",
	"65": "Singapore",
	"61": "Australia",
	"64": "New Zealand",
	"55": "Brazil",
	"52": "Mexico",
	"57": "Colombia",
	"51": "Peru",
	"54": "Argentina",
	"27": "South Africa",
}

// Lookup returns the country for a number in international format without
// the plus sign. Longer prefixes win so "1" never shadows "12x" entries.
// Unknown prefixes resolve to "International".
func Lookup(number string) string {
	best := ""
	for prefix := range dialingPrefixes {
		if strings.HasPrefix(number, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "International"
	}
	return dialingPrefixes[best]
}
